package parallel_test

import (
	"context"
	"errors"
	"iter"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/jobrelay/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(_ context.Context, d time.Duration) (int, error) {
		time.Sleep(d)
		return int(d), nil
	}

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	expected := []int{
		int(1 * time.Second),
		int(2 * time.Second),
		int(5 * time.Second),
		int(10 * time.Second),
	}

	var testCases = []struct {
		scenario string
		limit    int
		then     time.Duration
	}{
		{"limit 1", 1, 18 * time.Second},
		{"limit 2", 2, 12 * time.Second},
		{"limit 10", 10, 10 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				m := parallel.Map(t.Context(), tt.limit, all(input), f)
				require.ElementsMatch(t, expected, values(m))
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}
}

func TestMapErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	seq := func(yield func(int, error) bool) {
		for i := range 4 {
			var err error
			if i == 2 {
				err = boom
			}
			if !yield(i, err) {
				return
			}
		}
	}

	var called []int
	var errs []error
	double := func(_ context.Context, i int) (int, error) {
		if i == 3 {
			return 0, errors.New("odd")
		}
		return i * 2, nil
	}
	for d, err := range parallel.Map(t.Context(), 1, seq, double) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		called = append(called, d)
	}
	require.ElementsMatch(t, []int{0, 2}, called)
	require.Len(t, errs, 2)
	require.ErrorIs(t, errors.Join(errs...), boom)
}

func TestMapBreak(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		sleep := func(ctx context.Context, d time.Duration) (time.Duration, error) {
			select {
			case <-time.After(d):
				return d, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		input := []time.Duration{time.Second, time.Hour, time.Hour}
		start := time.Now()
		for d, err := range parallel.Map(t.Context(), 3, all(input), sleep) {
			require.NoError(t, err)
			require.Equal(t, time.Second, d)
			break
		}
		require.Equal(t, time.Second, time.Since(start))
	})
}

func all[T any](s []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, x := range s {
			if !yield(x, nil) {
				return
			}
		}
	}
}

func values[T any](i iter.Seq2[T, error]) []T {
	var ret []T
	for k := range i {
		ret = append(ret, k)
	}
	return ret
}
