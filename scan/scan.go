/*Package scan drives a USAXS step scan: it walks the non-uniform ustep
position series over the analyzer rotation stage, counting at every
point and recording position, counts, and amplifier gain.

During the scan the primary detector channel runs its autorange
sequencer in automatic mode, so its gain may move between points as the
rocking curve rises and falls; auxiliary channels are held at manual.
When the primary range moves, the settling time is waited out before the
next point so the following count is taken on a stable gain.

The driver returns per-point records to the caller; it does not write
files.
*/
package scan

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/aps-usaxs/gousaxs/amplifier"
	"github.com/aps-usaxs/gousaxs/autorange"
	"github.com/aps-usaxs/gousaxs/hw"
	"github.com/aps-usaxs/gousaxs/ustep"
)

// DefaultCountTime is the per-point counting time when none is given.
const DefaultCountTime = time.Second

// ErrNotConfigured is generated when a Scan is run without a mover, a
// series, or a primary bundle.
var ErrNotConfigured = errors.New("scan: a scan needs a mover, a series, and a primary bundle")

// Record is the measurement taken at one point of the scan.
type Record struct {
	Index     int     `json:"index"`
	Position  float64 `json:"position"`
	CountTime float64 `json:"countTime"` // seconds, as programmed
	Counts    float64 `json:"counts"`
	Elapsed   float64 `json:"elapsed"` // seconds, as counted
	Rate      float64 `json:"rate"`
	GainIndex int     `json:"gainIndex"`
}

// Scan is one step scan over an analyzer rotation series.  Construct by
// filling the fields and call Run; a Scan may be reused for repeated
// identical scans.
type Scan struct {
	// Mover is the scanned axis, normally the analyzer rotation stage.
	Mover hw.Mover

	// Series is the position series to walk.
	Series *ustep.Series

	// Primary is the detector channel whose data the scan is for (UPD).
	// Its sequencer runs in automatic mode during the scan.
	Primary *autorange.Bundle

	// Aux channels are latched to manual mode for the duration.
	Aux []*autorange.Bundle

	// Cache seeds the primary gain at the start and is kept current as
	// the sequencer moves the range mid-scan.  Optional.
	Cache *autorange.GainCache

	// CountTime is the base per-point counting time; zero means
	// DefaultCountTime.
	CountTime time.Duration

	// DynamicTime scales the count time over the scan: a third of the
	// base in the first third of points near the peak where rates are
	// high, the base in the middle third, and twice the base in the
	// weak tail.
	DynamicTime bool
}

// Run executes the scan and returns one record per series point.  The
// counter configuration, the primary sequencer mode, and the mover
// position are restored before returning, whether or not the scan
// completed.
func (s *Scan) Run(ctx context.Context) ([]Record, error) {
	if s.Mover == nil || s.Series == nil || s.Primary == nil {
		return nil, ErrNotConfigured
	}
	counter := s.Primary.Counter

	original, err := counter.Config(ctx)
	if err != nil {
		return nil, err
	}
	home, err := s.Mover.Pos(ctx)
	if err != nil {
		return nil, err
	}

	recs, serr := s.scan(ctx)

	// return to starting conditions even after a failed scan; the first
	// restore error stands in for the lot
	rerr := s.Primary.Mode.Put(ctx, autorange.ModeManual)
	if err := counter.Configure(ctx, original); err != nil && rerr == nil {
		rerr = err
	}
	if err := s.Mover.Move(ctx, home); err != nil && rerr == nil {
		rerr = err
	}
	if serr != nil {
		return recs, serr
	}
	return recs, rerr
}

func (s *Scan) scan(ctx context.Context) ([]Record, error) {
	counter := s.Primary.Counter

	if err := s.Primary.Mode.Put(ctx, autorange.ModeAutomatic); err != nil {
		return nil, err
	}
	for _, b := range s.Aux {
		if err := b.Mode.Put(ctx, autorange.ModeManual); err != nil {
			return nil, err
		}
	}
	if s.Cache != nil {
		if idx, ok := s.Cache.Lookup(counter.Name(), s.Primary.Amp.Name); ok {
			if err := s.Primary.Amp.SetGain(ctx, amplifier.GainIndex(idx)); err != nil {
				return nil, err
			}
		}
	}
	prevGain, err := s.Primary.Amp.CurrentIndex(ctx)
	if err != nil {
		return nil, err
	}
	if err := sleepCtx(ctx, s.Primary.Amp.Settle()); err != nil {
		return nil, err
	}

	recs := make([]Record, 0, s.Series.NumPoints)
	st := s.Series.Stepper()
	var programmed time.Duration
	for i := 0; ; i++ {
		pos, ok := st.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return recs, err
		}

		ct := s.pointCountTime(i)
		if ct != programmed {
			err := counter.Configure(ctx, hw.CounterConfig{Preset: ct, Mode: hw.OneShot})
			if err != nil {
				return recs, err
			}
			programmed = ct
		}
		if err := s.Mover.Move(ctx, pos); err != nil {
			return recs, err
		}
		if err := counter.TriggerAndWait(ctx); err != nil {
			return recs, err
		}

		raw, err := s.Primary.Signal.Get(ctx)
		if err != nil {
			return recs, err
		}
		elapsed, err := counter.Elapsed(ctx)
		if err != nil {
			return recs, err
		}
		gain, err := s.Primary.Amp.CurrentIndex(ctx)
		if err != nil {
			return recs, err
		}

		rec := Record{
			Index:     i,
			Position:  pos,
			CountTime: ct.Seconds(),
			Counts:    raw,
			Elapsed:   elapsed,
			GainIndex: gain,
		}
		if elapsed > 0 {
			rec.Rate = raw / elapsed
		}
		recs = append(recs, rec)

		if gain != prevGain {
			// the sequencer moved the range during the count; remember it
			// and settle before the next point
			log.Printf("scan: %s range moved %d -> %d at point %d/%d",
				s.Primary.Name, prevGain, gain, i+1, s.Series.NumPoints)
			if s.Cache != nil {
				s.Cache.Store(counter.Name(), s.Primary.Amp.Name, gain)
			}
			prevGain = gain
			if err := sleepCtx(ctx, s.Primary.Amp.Settle()); err != nil {
				return recs, err
			}
		}
	}
	return recs, nil
}

// pointCountTime returns the counting time for point i.
func (s *Scan) pointCountTime(i int) time.Duration {
	base := s.CountTime
	if base <= 0 {
		base = DefaultCountTime
	}
	if !s.DynamicTime {
		return base
	}
	frac := float64(i) / float64(s.Series.NumPoints)
	switch {
	case frac < 0.33:
		return base / 3
	case frac < 0.66:
		return base
	default:
		return base * 2
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
