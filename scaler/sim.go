package scaler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/aps-usaxs/gousaxs/amplifier"
	"github.com/aps-usaxs/gousaxs/autorange"
	"github.com/aps-usaxs/gousaxs/hw"
)

// SimLabels is the range enumeration of the simulated Femto amplifier.
var SimLabels = []string{"1e4 V/A", "1e5 V/A", "1e6 V/A", "1e7 V/A", "1e8 V/A"}

// sequencer modes mirror autorange's constants; duplicated numerically
// here to avoid an import cycle with package autorange's tests
const (
	simManual    = 0
	simAutomatic = 1
)

// SimCrate is an in-memory counting crate with the same interfaces as
// Device, used for dry runs and tests.  Physics is crude but sufficient:
// each channel sees a photocurrent, the selected range multiplies it
// into a count rate, rates cap at saturation, and in automatic mode a
// sequencer steps the gain toward the highest non-saturating range
// after each count.
type SimCrate struct {
	mu      sync.Mutex
	name    string
	cfg     hw.CounterConfig
	elapsed float64
	chans   []*SimChannel

	// RealTime makes TriggerAndWait actually sleep the preset
	RealTime bool

	rng *rand.Rand
}

// NewSimCrate returns a simulated crate with no channels; add them with
// AddChannel.
func NewSimCrate(name string) *SimCrate {
	return &SimCrate{
		name: name,
		cfg:  hw.CounterConfig{Preset: time.Second, Mode: hw.OneShot},
		rng:  rand.New(rand.NewSource(20120817)), // beamline commissioning date
	}
}

// SimChannel is one detector channel on a SimCrate.
type SimChannel struct {
	crate *SimCrate

	// Input is the detector photocurrent in arbitrary units; counts/s =
	// Input * gain value of the selected range
	Input float64

	// Dark is the dark-current rate added at every range, counts/s
	Dark float64

	// MaxRate saturates the channel; MinRate makes the sequencer reach
	// for more gain
	MaxRate float64
	MinRate float64

	// Noise is the sigma of gaussian noise applied to each count, as a
	// fraction of the count; zero for deterministic tests
	Noise float64

	gainIdx float64
	mode    float64
	counts  float64
	values  []float64 // gain magnitudes, parallel to SimLabels
	slots   []float64 // background, error, per range
}

// AddChannel creates a channel on the crate with the given photocurrent
// and rate window.
func (s *SimCrate) AddChannel(input, minRate, maxRate float64) *SimChannel {
	c := &SimChannel{
		crate:   s,
		Input:   input,
		MaxRate: maxRate,
		MinRate: minRate,
		values:  []float64{1e4, 1e5, 1e6, 1e7, 1e8},
		slots:   make([]float64, 2*len(SimLabels)),
	}
	s.mu.Lock()
	s.chans = append(s.chans, c)
	s.mu.Unlock()
	return c
}

// Name implements hw.Counter.
func (s *SimCrate) Name() string { return s.name }

// Config implements hw.Counter.
func (s *SimCrate) Config(ctx context.Context) (hw.CounterConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, nil
}

// Configure implements hw.Counter.
func (s *SimCrate) Configure(ctx context.Context, cfg hw.CounterConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

// TriggerAndWait implements hw.Counter.
func (s *SimCrate) TriggerAndWait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	preset := s.cfg.Preset
	s.mu.Unlock()
	if s.RealTime {
		t := time.NewTimer(preset)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elapsed = preset.Seconds()
	for _, c := range s.chans {
		rate := c.Input*c.values[int(c.gainIdx)] + c.Dark
		if c.Noise > 0 {
			rate += s.rng.NormFloat64() * c.Noise * rate
		}
		saturated := rate > c.MaxRate
		if saturated {
			// the V/F converter pegs a bit above the usable threshold,
			// which is what lets stuck-at-max be detected downstream
			rate = c.MaxRate * 1.05
		}
		c.counts = rate * s.elapsed
		if c.mode == simAutomatic {
			// sequencer: back off when saturated, reach for gain when weak
			if saturated && c.gainIdx > 0 {
				c.gainIdx--
			} else if rate < c.MinRate && int(c.gainIdx) < len(c.values)-1 {
				c.gainIdx++
			}
		}
	}
	return nil
}

// Elapsed implements hw.Counter.
func (s *SimCrate) Elapsed(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed, nil
}

// channel value accessors, used by the Setting adapters

type simField int

const (
	fieldGain simField = iota
	fieldRange
	fieldMode
	fieldSignal
	fieldSlot
)

type simSetting struct {
	c     *SimChannel
	field simField
	idx   int
}

func (s simSetting) Get(ctx context.Context) (float64, error) {
	s.c.crate.mu.Lock()
	defer s.c.crate.mu.Unlock()
	switch s.field {
	case fieldGain, fieldRange:
		return s.c.gainIdx, nil
	case fieldMode:
		return s.c.mode, nil
	case fieldSignal:
		return s.c.counts, nil
	default:
		return s.c.slots[s.idx], nil
	}
}

func (s simSetting) Put(ctx context.Context, v float64) error {
	s.c.crate.mu.Lock()
	defer s.c.crate.mu.Unlock()
	switch s.field {
	case fieldGain, fieldRange:
		s.c.gainIdx = v
	case fieldMode:
		s.c.mode = v
	case fieldSignal:
		s.c.counts = v
	default:
		s.c.slots[s.idx] = v
	}
	return nil
}

type simEnum struct {
	simSetting
}

func (s simEnum) Labels(ctx context.Context) ([]string, error) {
	return SimLabels, nil
}

// Gain returns the gain readback channel.
func (c *SimChannel) Gain() hw.Setting { return simSetting{c: c, field: fieldGain} }

// Range returns the range-selection channel.
func (c *SimChannel) Range() hw.EnumSetting { return simEnum{simSetting{c: c, field: fieldRange}} }

// Mode returns the sequencer mode channel.
func (c *SimChannel) Mode() hw.Setting { return simSetting{c: c, field: fieldMode} }

// Signal returns the raw counts channel.
func (c *SimChannel) Signal() hw.Setting { return simSetting{c: c, field: fieldSignal} }

// Background returns the background slot pair for range n.
func (c *SimChannel) Background(n int) (hw.Setting, hw.Setting) {
	return simSetting{c: c, field: fieldSlot, idx: 2 * n},
		simSetting{c: c, field: fieldSlot, idx: 2*n + 1}
}

// Bundle builds a detector control bundle for the simulated channel.
func (c *SimChannel) Bundle(name string, settling time.Duration) *autorange.Bundle {
	ranges := make([]autorange.RangeSlot, len(SimLabels))
	for i := range ranges {
		bg, be := c.Background(i)
		ranges[i] = autorange.RangeSlot{Background: bg, BackgroundError: be}
	}
	return &autorange.Bundle{
		Name:    name,
		Counter: c.crate,
		Signal:  c.Signal(),
		Amp: &amplifier.Amplifier{
			Name:         name + "_amp",
			Gain:         c.Gain(),
			Range:        c.Range(),
			SettlingTime: settling,
		},
		Mode:         c.Mode(),
		Ranges:       ranges,
		MaxCountRate: c.MaxRate,
	}
}
