package autorange

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aps-usaxs/gousaxs/amplifier"
	"github.com/aps-usaxs/gousaxs/hw"
)

// Defaults for background measurement; these match routine operation
// with the shutter closed.
const (
	DefaultBackgroundCountTime = 200 * time.Millisecond
	DefaultBackgroundReadings  = 5

	// interReadingDelay lets the amplifier stabilize on its gain between
	// repeated background counts
	interReadingDelay = 50 * time.Millisecond
)

// MeasureBackground measures the dark-current baseline of every bundle
// in the group at every gain range and stores the per-range mean and
// standard deviation in the bundles' background slots.
//
// Ranges are swept in descending order.  For each range, all bundles are
// set to that range, the longest settling time is waited out, then
// numReadings synchronized counts are taken and normalized by the count
// time.  The counter's original configuration is restored before any
// error is propagated; a failure aborts the calibration, since
// background values directly affect data-reduction correctness.
func MeasureBackground(ctx context.Context, g *Group, countTime time.Duration, numReadings int) error {
	if countTime <= 0 {
		countTime = DefaultBackgroundCountTime
	}
	if numReadings <= 0 {
		numReadings = DefaultBackgroundReadings
	}
	counter := g.Counter

	original, err := counter.Config(ctx)
	if err != nil {
		return err
	}
	err = counter.Configure(ctx, hw.CounterConfig{
		Preset: countTime,
		Delay:  0,
		Mode:   original.Mode,
	})
	if err != nil {
		return err
	}

	merr := measureBackground(ctx, g, countTime, numReadings)
	rerr := counter.Configure(ctx, original)
	if merr != nil {
		return merr
	}
	return rerr
}

func measureBackground(ctx context.Context, g *Group, countTime time.Duration, numReadings int) error {
	for _, b := range g.Bundles {
		if err := b.Mode.Put(ctx, ModeManual); err != nil {
			return err
		}
	}

	// every bundle on one scaler carries the same number of ranges; take
	// the smallest to be safe against a misdeclared config
	numRanges := -1
	for _, b := range g.Bundles {
		n, err := b.Amp.NumGains(ctx)
		if err != nil {
			return err
		}
		if len(b.Ranges) < n {
			n = len(b.Ranges)
		}
		if numRanges < 0 || n < numRanges {
			numRanges = n
		}
	}
	if numRanges <= 0 {
		return fmt.Errorf("autorange: group %s has no gain ranges to calibrate", g.Counter.Name())
	}

	for n := numRanges - 1; n >= 0; n-- { // reverse order
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, b := range g.Bundles {
			if err := b.Amp.SetGain(ctx, amplifier.GainIndex(n)); err != nil {
				return err
			}
		}
		if err := sleepCtx(ctx, g.maxSettle()); err != nil {
			return err
		}

		readings := make(map[*Bundle][]float64, len(g.Bundles))
		for m := 0; m < numReadings; m++ {
			if err := sleepCtx(ctx, interReadingDelay); err != nil {
				return err
			}
			if err := g.Counter.TriggerAndWait(ctx); err != nil {
				return err
			}
			for _, b := range g.Bundles {
				raw, err := b.Signal.Get(ctx)
				if err != nil {
					return err
				}
				readings[b] = append(readings[b], raw/countTime.Seconds())
			}
		}

		for _, b := range g.Bundles {
			mean, sigma := meanStd(readings[b])
			if err := b.Ranges[n].Background.Put(ctx, mean); err != nil {
				return err
			}
			if err := b.Ranges[n].BackgroundError.Put(ctx, sigma); err != nil {
				return err
			}
		}
	}
	return nil
}

// MeasureBackgroundAll calibrates every resource group in sequence.
// Unlike autoscale, a failure aborts the whole calibration; the failed
// group's counter is restored before the error is returned.
func MeasureBackgroundAll(ctx context.Context, bundles []*Bundle, countTime time.Duration, numReadings int) error {
	for _, g := range GroupByCounter(bundles) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := MeasureBackground(ctx, g, countTime, numReadings); err != nil {
			return err
		}
	}
	return nil
}

// meanStd returns the sample mean and population standard deviation.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
