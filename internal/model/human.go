// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"net/url"
	"os"
	"time"
)

type URL struct {
	*url.URL
}

func (u URL) AsURL() *url.URL {
	return u.URL
}

func (u URL) IsZero() bool {
	return u.URL == nil
}

func (u *URL) UnmarshalText(text []byte) error {
	if u == nil {
		return errors.New("can't unmarshal to nil")
	}
	parsed, err := url.Parse(os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	u.URL = parsed
	return nil
}

func (u URL) MarshalText() ([]byte, error) {
	if u.URL == nil {
		return []byte{}, nil
	}
	return []byte(u.String()), nil
}

// Duration is a time.Duration written as "10m" or "1h30m" in config files.
type Duration time.Duration

func (d Duration) Or(dflt time.Duration) time.Duration {
	if d <= 0 {
		return dflt
	}
	return time.Duration(d)
}

func (d *Duration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	parsed, err := time.ParseDuration(os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
