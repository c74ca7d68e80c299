package autorange

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aps-usaxs/gousaxs/amplifier"
	"github.com/aps-usaxs/gousaxs/hw"
)

// Defaults for Options; these match routine beamline operation.
const (
	DefaultCountTime     = 50 * time.Millisecond
	DefaultMaxIterations = 9

	// counterDelay is the re-arm delay programmed into the counter while
	// autoscaling; longer delays make the loop needlessly slow
	counterDelay = 20 * time.Millisecond
)

// Options configures an autoscale run.
type Options struct {
	// CountTime is the preset counting time per iteration.
	CountTime time.Duration

	// MaxIterations bounds the convergence loop.
	MaxIterations int

	// Live escalates non-convergence to an AutoscaleError.  Leave false
	// for dry runs and summaries, where an unconverged result is
	// tolerated and only logged.
	Live bool
}

func (o Options) withDefaults() Options {
	if o.CountTime <= 0 {
		o.CountTime = DefaultCountTime
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	return o
}

// BundleState is the per-bundle convergence record of one iteration.
type BundleState struct {
	Name         string  `json:"name"`
	GainIndex    int     `json:"gainIndex"`
	GainStable   bool    `json:"gainStable"`
	NotSaturated bool    `json:"notSaturated"`
	Rate         float64 `json:"rate"`
}

// AutoscaleError is generated when the convergence loop exhausts its
// iterations while the instrument is live.  It carries the last
// convergence vector for diagnosis.
type AutoscaleError struct {
	Group      string
	Iterations int
	States     []BundleState
}

func (e AutoscaleError) Error() string {
	return fmt.Sprintf("autorange: failed to find correct gain in %d autoscale iterations on %s",
		e.Iterations, e.Group)
}

// Autoscale drives every amplifier in the group to a stable, unsaturated
// gain.  It reports whether the group converged.
//
// The loop places all bundles in automatic mode, seeds gains from the
// cache, waits out the longest settling time, then repeatedly counts and
// checks that no gain moved and no channel exceeds its maximum count
// rate.  On convergence the bundles are latched back to manual mode.
// The counter's original configuration is restored before returning,
// converged or not; an I/O failure within an iteration makes that
// iteration non-convergent rather than being retried.
func Autoscale(ctx context.Context, g *Group, cache *GainCache, opts Options) (bool, error) {
	opts = opts.withDefaults()
	counter := g.Counter

	original, err := counter.Config(ctx)
	if err != nil {
		return false, err
	}
	err = counter.Configure(ctx, hw.CounterConfig{
		Preset: opts.CountTime,
		Delay:  counterDelay,
		Mode:   hw.OneShot,
	})
	if err != nil {
		return false, err
	}

	prev := make(map[*Bundle]int, len(g.Bundles))
	for _, b := range g.Bundles {
		if err := ctx.Err(); err != nil {
			counter.Configure(ctx, original)
			return false, err
		}
		if err := b.Mode.Put(ctx, ModeAutomatic); err != nil {
			counter.Configure(ctx, original)
			return false, err
		}
		// faster if we start from the last known autoscale gain
		if idx, ok := cache.Lookup(counter.Name(), b.gainID()); ok {
			if err := b.Amp.SetGain(ctx, amplifier.GainIndex(idx)); err != nil {
				counter.Configure(ctx, original)
				return false, err
			}
		}
		idx, err := b.Amp.CurrentIndex(ctx)
		if err != nil {
			counter.Configure(ctx, original)
			return false, err
		}
		cache.Store(counter.Name(), b.gainID(), idx)
		prev[b] = idx
	}
	if err := sleepCtx(ctx, g.maxSettle()); err != nil {
		counter.Configure(ctx, original)
		return false, err
	}

	var (
		complete bool
		states   []BundleState
	)
	for i := 0; i < opts.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			counter.Configure(ctx, original)
			return false, err
		}
		if err := counter.TriggerAndWait(ctx); err != nil {
			// a timed-out or failed count is a non-convergent iteration,
			// not something to retry at the I/O level
			log.Printf("autorange: %s iteration %d count failed: %v", counter.Name(), i, err)
			continue
		}

		// the amplifier sequencer has adjusted gains during the count;
		// one synchronized cycle backs every read below
		states = states[:0]
		all := true
		for _, b := range g.Bundles {
			st := BundleState{Name: b.Name}
			gainNow, err := b.Amp.CurrentIndex(ctx)
			if err == nil {
				st.GainIndex = gainNow
				st.GainStable = gainNow == prev[b]
				cache.Store(counter.Name(), b.gainID(), gainNow)
				prev[b] = gainNow
			}
			raw, err2 := b.Signal.Get(ctx)
			elapsed, err3 := counter.Elapsed(ctx)
			if err2 == nil && err3 == nil && elapsed > 0 {
				st.Rate = raw / elapsed
				st.NotSaturated = st.Rate <= b.MaxCountRate
			}
			states = append(states, st)
			all = all && st.GainStable && st.NotSaturated
		}
		if all {
			complete = true
			for _, b := range g.Bundles {
				if err := b.Mode.Put(ctx, ModeManual); err != nil {
					counter.Configure(ctx, original)
					return true, err
				}
			}
			break
		}
	}

	// restore starting conditions before any escalation
	if err := counter.Configure(ctx, original); err != nil {
		return complete, err
	}
	if !complete && opts.Live {
		return false, AutoscaleError{
			Group:      counter.Name(),
			Iterations: opts.MaxIterations,
			States:     append([]BundleState(nil), states...),
		}
	}
	return complete, nil
}

// AutoscaleAll autoscales every resource group in sequence.  A group
// that fails to converge (or errors) is logged and does not block the
// remaining groups; one unconverged auxiliary channel must not abort the
// whole measurement.  The returned map reports convergence per counter.
func AutoscaleAll(ctx context.Context, bundles []*Bundle, cache *GainCache, opts Options) (map[string]bool, error) {
	results := map[string]bool{}
	for _, g := range GroupByCounter(bundles) {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		converged, err := Autoscale(ctx, g, cache, opts)
		results[g.Counter.Name()] = converged
		if err != nil {
			if _, ok := err.(AutoscaleError); ok {
				log.Printf("autorange: %s: %v - will continue despite warning", g.Bundles[0].Name, err)
			} else {
				log.Printf("autorange: %s: %v - will continue anyway", g.Bundles[0].Name, err)
			}
		}
	}
	return results, nil
}
