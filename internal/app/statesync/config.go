package statesync

import (
	"fmt"
	"time"

	"github.com/dkeye/presence/internal/config"
)

// Overrun decides what a query returns once the render time passes the
// newest sample.
type Overrun int

const (
	// Freeze holds the newest sample. It never overshoots.
	Freeze Overrun = iota
	// Extrapolate continues with the last velocity for at most MaxExtrapolation.
	Extrapolate
)

func ParseOverrun(s string) (Overrun, error) {
	switch s {
	case "", "freeze":
		return Freeze, nil
	case "extrapolate":
		return Extrapolate, nil
	}
	return Freeze, fmt.Errorf("unknown overrun policy %q", s)
}

type Config struct {
	InterpolationDelay  time.Duration
	CorrectionThreshold float64
	CorrectionWindow    time.Duration
	BufferSize          int
	Overrun             Overrun
	MaxExtrapolation    time.Duration
}

func DefaultConfig() Config {
	return Config{
		InterpolationDelay:  100 * time.Millisecond,
		CorrectionThreshold: 5,
		CorrectionWindow:    250 * time.Millisecond,
		BufferSize:          32,
		Overrun:             Freeze,
		MaxExtrapolation:    250 * time.Millisecond,
	}
}

func ConfigFrom(c config.SyncConfig) (Config, error) {
	overrun, err := ParseOverrun(c.Overrun)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		InterpolationDelay:  c.InterpolationDelay,
		CorrectionThreshold: c.CorrectionThreshold,
		CorrectionWindow:    c.CorrectionWindow,
		BufferSize:          c.BufferSize,
		Overrun:             overrun,
		MaxExtrapolation:    c.MaxExtrapolation,
	}
	if cfg.BufferSize < 2 {
		cfg.BufferSize = 2
	}
	return cfg, nil
}
