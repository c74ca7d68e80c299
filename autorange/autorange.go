/*Package autorange coordinates detector amplifier gain selection for the
USAXS instrument.

Several detector channels (UPD, I0, I00, TRD) share one physical scaler,
so everything here works on resource groups: bundles are partitioned by
counting device and each group is serviced strictly sequentially, with
every reading in an iteration coming from a single synchronized count.

The two operations are Autoscale, a bounded convergence loop that drives
each amplifier to a stable unsaturated gain, and MeasureBackground,
which sweeps every gain range recording the dark-current baseline per
range.
*/
package autorange

import (
	"context"
	"time"

	"github.com/aps-usaxs/gousaxs/amplifier"
	"github.com/aps-usaxs/gousaxs/hw"
)

// Autorange sequencer modes, as written to a Bundle's Mode channel.
const (
	ModeManual float64 = iota
	ModeAutomatic
	ModeAutoBackground
)

// RangeSlot is the pair of storage channels holding the measured
// background baseline for one gain range of one bundle.
type RangeSlot struct {
	Background      hw.Setting
	BackgroundError hw.Setting
}

// Bundle couples everything that controls one detector channel: its
// scaler signal, its amplifier, the autorange sequencer mode channel,
// and the per-range background slots.  Bundles are built once at
// startup and live for the process lifetime.
type Bundle struct {
	// Name is the operator-facing nickname, e.g. "UPD".
	Name string

	// Counter is the shared counting device.  Bundles with the same
	// counter belong to the same resource group.
	Counter hw.Counter

	// Signal is the raw counts channel for this detector on the counter.
	Signal hw.Setting

	// Amp is the current amplifier behind the detector.
	Amp *amplifier.Amplifier

	// Mode selects the autorange sequencer mode (ModeManual,
	// ModeAutomatic, ModeAutoBackground).
	Mode hw.Setting

	// Ranges holds one background slot per gain range.
	Ranges []RangeSlot

	// MaxCountRate is the highest tolerable count rate; above it the
	// channel is considered saturated.
	MaxCountRate float64
}

// gainID is the cache key for this bundle's gain; amplifiers are unique
// per bundle so the amplifier name serves.
func (b *Bundle) gainID() string {
	return b.Amp.Name
}

// Group is the set of bundles sharing one counting device.
type Group struct {
	Counter hw.Counter
	Bundles []*Bundle
}

// GroupByCounter partitions bundles into resource groups keyed by
// counting device, preserving first-seen group order and within-group
// insertion order.
func GroupByCounter(bundles []*Bundle) []*Group {
	var (
		order  []string
		groups = map[string]*Group{}
	)
	for _, b := range bundles {
		k := b.Counter.Name()
		g, ok := groups[k]
		if !ok {
			g = &Group{Counter: b.Counter}
			groups[k] = g
			order = append(order, k)
		}
		g.Bundles = append(g.Bundles, b)
	}
	out := make([]*Group, len(order))
	for i, k := range order {
		out[i] = groups[k]
	}
	return out
}

// maxSettle returns the longest settling time declared by any bundle in
// the group, floored at the amplifier minimum.
func (g *Group) maxSettle() time.Duration {
	settle := amplifier.MinimumSettlingTime
	for _, b := range g.Bundles {
		if s := b.Amp.Settle(); s > settle {
			settle = s
		}
	}
	return settle
}

// sleepCtx sleeps for d or until ctx is done, whichever is first.
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
