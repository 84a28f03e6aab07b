package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseCron parses a standard 5 field cron expression or a descriptor
// such as @hourly or @every 5m.
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, errors.New("empty cron expression")
	}
	if strings.HasPrefix(e, "@") {
		return cron.ParseStandard(e)
	}
	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser5.Parse(e)
}

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)(?:[.,](\d{1,9}))?S)?)?$`)

// ParseISODuration parses the day and time part of an ISO8601 duration,
// e.g. PT10M, P1DT12H or PT0.5S. Years, months and weeks are rejected as
// they have no fixed length.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, ErrISOFormat
	}

	var ret time.Duration
	for i, unit := range []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second} {
		part := m[i+1]
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
		}
		ret += time.Duration(n) * unit
	}
	if frac := m[5]; frac != "" {
		n, err := strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
		}
		ret += time.Duration(n)
	}
	return ret, nil
}

// Validate reports whether exactly one of Cron and Duration is set and
// parses.
func (s Schedule) Validate() error {
	switch {
	case s.Cron != "" && s.Duration != "":
		return errors.New("both cron and duration are set")
	case s.Cron != "":
		if _, err := ParseCron(s.Cron); err != nil {
			return fmt.Errorf("parsing cron: %w", err)
		}
	case s.Duration != "":
		d, err := ParseISODuration(s.Duration)
		if err != nil {
			return fmt.Errorf("parsing duration: %w", err)
		}
		if d <= 0 {
			return errors.New("duration must be positive")
		}
	default:
		return errors.New("both cron and duration are empty")
	}
	return nil
}
