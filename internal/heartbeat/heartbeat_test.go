package heartbeat_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/jobrelay/internal/heartbeat"
	"github.com/CZERTAINLY/jobrelay/internal/log"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type pinger struct {
	mx    sync.Mutex
	calls map[string]int
	fail  map[string]bool
	block bool
}

func newPinger() *pinger {
	return &pinger{calls: map[string]int{}, fail: map[string]bool{}}
}

func (p *pinger) Ping(ctx context.Context, id string) error {
	p.mx.Lock()
	p.calls[id]++
	fail, block := p.fail[id], p.block
	p.mx.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("connection refused")
	}
	return nil
}

func (p *pinger) count(id string) int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.calls[id]
}

func (p *pinger) total() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

func TestTrackerSet(t *testing.T) {
	t.Parallel()
	tr := heartbeat.New(newPinger(), 0, nil)
	tr.Add("b")
	tr.Add("a")
	tr.Add("a")
	require.Equal(t, []string{"a", "b"}, tr.Snapshot())
	tr.Remove("b")
	tr.Remove("unknown")
	require.Equal(t, []string{"a"}, tr.Snapshot())
}

func TestTrackerPings(t *testing.T) {
	t.Parallel()
	p := newPinger()
	tr := heartbeat.New(p, 10*time.Millisecond, nil, heartbeat.WithRateLimit(rate.Inf, 1))
	tr.Add("job-1")
	tr.Add("job-2")
	require.NoError(t, tr.Start(t.Context()))
	require.ErrorIs(t, tr.Start(t.Context()), heartbeat.ErrStarted)

	require.Eventually(t, func() bool {
		return p.count("job-1") >= 2 && p.count("job-2") >= 2
	}, 5*time.Second, 5*time.Millisecond)

	tr.Remove("job-2")
	seen := p.count("job-2")
	before := p.count("job-1")
	require.Eventually(t, func() bool {
		return p.count("job-1") >= before+2
	}, 5*time.Second, 5*time.Millisecond)
	// at most one tick may have been in flight while removing
	require.LessOrEqual(t, p.count("job-2"), seen+1)

	tr.Stop()
}

func TestTrackerPingFailure(t *testing.T) {
	t.Parallel()
	p := newPinger()
	p.fail["broken"] = true

	var buf bytes.Buffer
	var bufMx sync.Mutex
	logger := log.NewWriter(writerFunc(func(b []byte) (int, error) {
		bufMx.Lock()
		defer bufMx.Unlock()
		return buf.Write(b)
	}), false)

	tr := heartbeat.New(p, 10*time.Millisecond, logger)
	tr.Add("broken")
	tr.Add("healthy")
	require.NoError(t, tr.Start(t.Context()))
	t.Cleanup(tr.Stop)

	// failed pings are retried on the next tick and never drop the job
	require.Eventually(t, func() bool {
		return p.count("broken") >= 3 && p.count("healthy") >= 3
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"broken", "healthy"}, tr.Snapshot())

	bufMx.Lock()
	out := buf.String()
	bufMx.Unlock()
	require.Contains(t, out, `"msg":"job ping failed"`)
	require.Contains(t, out, `"job_id":"broken"`)
	require.NotContains(t, out, `"job_id":"healthy"`)
}

func TestTrackerStop(t *testing.T) {
	t.Parallel()
	p := newPinger()
	p.block = true

	ticked := make(chan []string, 1)
	tr := heartbeat.New(p, 5*time.Millisecond, nil, heartbeat.WithOnTick(func(ids []string) {
		select {
		case ticked <- ids:
		default:
		}
	}))
	tr.Stop()

	tr.Add("slow")
	require.NoError(t, tr.Start(context.Background()))
	require.Equal(t, []string{"slow"}, <-ticked)
	require.Eventually(t, func() bool { return p.count("slow") == 1 }, 5*time.Second, time.Millisecond)

	// a blocked ping is aborted, Stop does not wait for the remote
	stopped := make(chan struct{})
	go func() {
		tr.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	tr.Stop()

	total := p.total()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, total, p.total())
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }
