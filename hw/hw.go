// Package hw declares the interfaces the instrument core uses to talk to
// counting hardware.  Concrete implementations live in package scaler
// (crate driver and simulator); the core packages never import a
// transport.
package hw

import (
	"context"
	"time"
)

// Setting is a single scalar channel on the hardware, e.g. a gain
// readback or a background storage slot.
type Setting interface {
	Get(ctx context.Context) (float64, error)
	Put(ctx context.Context, value float64) error
}

// EnumSetting is a Setting whose values are drawn from a labeled
// enumeration, e.g. an amplifier range selector.  Get and Put work in
// index space.
type EnumSetting interface {
	Setting
	Labels(ctx context.Context) ([]string, error)
}

// LabelWriter is an optional capability of an EnumSetting whose hardware
// accepts label strings directly.  Channels without it are index-only.
type LabelWriter interface {
	PutLabel(ctx context.Context, label string) error
}

// CountMode selects how a counter arms itself.
type CountMode int

const (
	// OneShot counts once per trigger for the preset time.
	OneShot CountMode = iota
	// AutoCount free-runs, re-arming after each count with a delay.
	AutoCount
)

func (m CountMode) String() string {
	if m == AutoCount {
		return "AutoCount"
	}
	return "OneShot"
}

// CounterConfig is the restorable portion of a counter's state.
type CounterConfig struct {
	Preset time.Duration
	Delay  time.Duration
	Mode   CountMode
}

// Counter is a shared counting device (scaler).  Implementations must
// never allow two operations to overlap on the same physical device.
type Counter interface {
	// Name identifies the physical device; bundles sharing a Name share
	// hardware and must be serviced sequentially.
	Name() string
	Config(ctx context.Context) (CounterConfig, error)
	Configure(ctx context.Context, cfg CounterConfig) error
	// TriggerAndWait starts a count and blocks until it completes or ctx
	// is done.
	TriggerAndWait(ctx context.Context) error
	// Elapsed reports the duration of the last count in seconds.
	Elapsed(ctx context.Context) (float64, error)
}

// Mover is a positionable axis, e.g. the analyzer rotation stage.
type Mover interface {
	Move(ctx context.Context, pos float64) error
	Pos(ctx context.Context) (float64, error)
}
