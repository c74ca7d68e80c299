package scan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aps-usaxs/gousaxs/autorange"
	"github.com/aps-usaxs/gousaxs/scaler"
	"github.com/aps-usaxs/gousaxs/ustep"
)

// scan geometry from routine instrument operation
const (
	arStart  = 8.7474
	arCenter = 8.746588
	arFinish = 7.9
	minStep  = 0.000025
)

type fakeMover struct {
	mu    sync.Mutex
	pos   float64
	moves []float64
}

func (m *fakeMover) Move(ctx context.Context, pos float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos = pos
	m.moves = append(m.moves, pos)
	return nil
}

func (m *fakeMover) Pos(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos, nil
}

func testSeries(t *testing.T, numPoints int) *ustep.Series {
	t.Helper()
	s, err := ustep.New(arStart, arCenter, arFinish, numPoints, 1, minStep)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// stableChannel returns a simulated channel whose rate sits inside the
// usable window at its starting range, so the sequencer never moves.
func stableChannel(crate *scaler.SimCrate) *scaler.SimChannel {
	return crate.AddChannel(0.1, 10, 1e6)
}

func TestScanEmitsOneRecordPerPoint(t *testing.T) {
	crate := scaler.NewSimCrate("sim0")
	ch := stableChannel(crate)
	mover := &fakeMover{}
	series := testSeries(t, 10)
	s := &Scan{
		Mover:     mover,
		Series:    series,
		Primary:   ch.Bundle("UPD", 0),
		CountTime: 10 * time.Millisecond,
	}

	recs, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 10 {
		t.Fatalf("expected 10 records, got %d", len(recs))
	}
	if recs[0].Position != arStart {
		t.Errorf("first point %v, expected exactly %v", recs[0].Position, arStart)
	}
	if recs[9].Position != arFinish {
		t.Errorf("last point %v, expected exactly %v", recs[9].Position, arFinish)
	}
	pts := series.Points()
	for i, r := range recs {
		if r.Position != pts[i] {
			t.Errorf("record %d at %v, series says %v", i, r.Position, pts[i])
		}
		if r.Rate <= 0 {
			t.Errorf("record %d has no rate", i)
		}
	}
}

func TestScanDynamicTimeInThirds(t *testing.T) {
	crate := scaler.NewSimCrate("sim0")
	ch := stableChannel(crate)
	base := 30 * time.Millisecond
	s := &Scan{
		Mover:       &fakeMover{},
		Series:      testSeries(t, 9),
		Primary:     ch.Bundle("UPD", 0),
		CountTime:   base,
		DynamicTime: true,
	}

	recs, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Duration{
		base / 3, base / 3, base / 3,
		base, base, base,
		base * 2, base * 2, base * 2,
	}
	for i, r := range recs {
		if r.CountTime != want[i].Seconds() {
			t.Errorf("point %d counted %vs, expected %v", i, r.CountTime, want[i])
		}
	}
}

func TestScanFollowsSequencerRangeChange(t *testing.T) {
	crate := scaler.NewSimCrate("sim0")
	ch := crate.AddChannel(1e-3, 500, 5e4)
	ctx := context.Background()
	// park the channel on a saturating range; the sequencer sheds gain
	// during the first count
	if err := ch.Range().Put(ctx, 4); err != nil {
		t.Fatal(err)
	}
	cache := autorange.NewGainCache()
	s := &Scan{
		Mover:     &fakeMover{},
		Series:    testSeries(t, 5),
		Primary:   ch.Bundle("UPD", 0),
		Cache:     cache,
		CountTime: 10 * time.Millisecond,
	}

	recs, err := s.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].GainIndex != 3 {
		t.Errorf("first record gain %d, expected the sequencer to shed to 3", recs[0].GainIndex)
	}
	for _, r := range recs[1:] {
		if r.GainIndex != 3 {
			t.Errorf("point %d gain %d, expected a stable 3", r.Index, r.GainIndex)
		}
	}
	if idx, ok := cache.Lookup("sim0", "UPD_amp"); !ok || idx != 3 {
		t.Errorf("cache not following the sequencer, got (%d, %v)", idx, ok)
	}
}

func TestScanRestoresStartingConditions(t *testing.T) {
	crate := scaler.NewSimCrate("sim0")
	ch := stableChannel(crate)
	mover := &fakeMover{pos: 2.5}
	s := &Scan{
		Mover:     mover,
		Series:    testSeries(t, 5),
		Primary:   ch.Bundle("UPD", 0),
		CountTime: 10 * time.Millisecond,
	}

	ctx := context.Background()
	want, _ := crate.Config(ctx)
	if _, err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := crate.Config(ctx)
	if got != want {
		t.Errorf("counter config not restored: %+v vs %+v", got, want)
	}
	if pos, _ := mover.Pos(ctx); pos != 2.5 {
		t.Errorf("mover left at %v, expected the pre-scan 2.5", pos)
	}
	if mode, _ := ch.Mode().Get(ctx); mode != autorange.ModeManual {
		t.Errorf("sequencer left in mode %v", mode)
	}
}

func TestScanNotConfigured(t *testing.T) {
	if _, err := (&Scan{}).Run(context.Background()); err != ErrNotConfigured {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}
