package autorange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aps-usaxs/gousaxs/amplifier"
	"github.com/aps-usaxs/gousaxs/hw"
)

// fakes for the hardware interfaces; scripted per test

type fakeSetting struct {
	mu sync.Mutex
	v  float64
}

func (f *fakeSetting) Get(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v, nil
}

func (f *fakeSetting) Put(ctx context.Context, v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.v = v
	return nil
}

func (f *fakeSetting) set(v float64) {
	f.mu.Lock()
	f.v = v
	f.mu.Unlock()
}

type fakeEnum struct {
	fakeSetting
	labels []string
}

func (f *fakeEnum) Labels(ctx context.Context) ([]string, error) { return f.labels, nil }

type fakeCounter struct {
	mu         sync.Mutex
	name       string
	cfg        hw.CounterConfig
	configured []hw.CounterConfig
	triggers   int
	onTrigger  func(n int)
}

func (f *fakeCounter) Name() string { return f.name }

func (f *fakeCounter) Config(ctx context.Context) (hw.CounterConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg, nil
}

func (f *fakeCounter) Configure(ctx context.Context, cfg hw.CounterConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	f.configured = append(f.configured, cfg)
	return nil
}

func (f *fakeCounter) TriggerAndWait(ctx context.Context) error {
	f.mu.Lock()
	f.triggers++
	n := f.triggers
	cb := f.onTrigger
	f.mu.Unlock()
	if cb != nil {
		cb(n)
	}
	return nil
}

func (f *fakeCounter) Elapsed(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Preset.Seconds(), nil
}

var testLabels = []string{"1e4 V/A", "1e5 V/A", "1e6 V/A", "1e7 V/A", "1e8 V/A"}

type testBundle struct {
	*Bundle
	gain   *fakeSetting
	rng    *fakeEnum
	signal *fakeSetting
	mode   *fakeSetting
	slots  []*fakeSetting // background, error, background, error, ...
}

func newTestBundle(name string, c hw.Counter) *testBundle {
	tb := &testBundle{
		gain:   &fakeSetting{},
		rng:    &fakeEnum{labels: testLabels},
		signal: &fakeSetting{},
		mode:   &fakeSetting{},
	}
	ranges := make([]RangeSlot, len(testLabels))
	for i := range ranges {
		bg, be := &fakeSetting{}, &fakeSetting{}
		tb.slots = append(tb.slots, bg, be)
		ranges[i] = RangeSlot{Background: bg, BackgroundError: be}
	}
	tb.Bundle = &Bundle{
		Name:    name,
		Counter: c,
		Signal:  tb.signal,
		Amp: &amplifier.Amplifier{
			Name:  name + "_amp",
			Gain:  tb.gain,
			Range: tb.rng,
		},
		Mode:         tb.mode,
		Ranges:       ranges,
		MaxCountRate: 950000,
	}
	return tb
}

func TestGroupByCounterPreservesOrder(t *testing.T) {
	s1 := &fakeCounter{name: "S1"}
	s2 := &fakeCounter{name: "S2"}
	a := newTestBundle("A", s1)
	b := newTestBundle("B", s2)
	c := newTestBundle("C", s1)
	groups := GroupByCounter([]*Bundle{a.Bundle, b.Bundle, c.Bundle})
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Counter.Name() != "S1" || groups[1].Counter.Name() != "S2" {
		t.Fatalf("group order wrong: %s, %s", groups[0].Counter.Name(), groups[1].Counter.Name())
	}
	if len(groups[0].Bundles) != 2 || groups[0].Bundles[0].Name != "A" || groups[0].Bundles[1].Name != "C" {
		t.Error("S1 group should be [A C] in order")
	}
	if len(groups[1].Bundles) != 1 || groups[1].Bundles[0].Name != "B" {
		t.Error("S2 group should be [B]")
	}
}

func TestAutoscaleStopsOnConvergence(t *testing.T) {
	c := &fakeCounter{name: "scaler0"}
	ub := newTestBundle("UPD", c)
	ub.gain.set(2)
	ub.signal.set(100) // well under max rate
	g := &Group{Counter: c, Bundles: []*Bundle{ub.Bundle}}

	converged, err := Autoscale(context.Background(), g, NewGainCache(), Options{
		CountTime:     time.Millisecond,
		MaxIterations: 9,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !converged {
		t.Fatal("expected convergence")
	}
	if c.triggers != 1 {
		t.Errorf("expected loop to stop after 1 iteration, took %d", c.triggers)
	}
	if v, _ := ub.mode.Get(context.Background()); v != ModeManual {
		t.Errorf("bundle not latched to manual mode, mode=%g", v)
	}
}

func TestAutoscaleWaitsForGainToSettle(t *testing.T) {
	c := &fakeCounter{name: "scaler0"}
	ub := newTestBundle("UPD", c)
	ub.gain.set(4)
	ub.signal.set(100)
	// sequencer walks the gain down during the first two counts
	c.onTrigger = func(n int) {
		switch n {
		case 1:
			ub.gain.set(3)
		case 2:
			ub.gain.set(2)
		}
	}
	g := &Group{Counter: c, Bundles: []*Bundle{ub.Bundle}}

	converged, err := Autoscale(context.Background(), g, NewGainCache(), Options{
		CountTime:     time.Millisecond,
		MaxIterations: 9,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !converged {
		t.Fatal("expected convergence")
	}
	if c.triggers != 3 {
		t.Errorf("expected convergence on iteration 3, took %d", c.triggers)
	}
}

func TestAutoscaleLiveEscalatesAfterMaxIterations(t *testing.T) {
	c := &fakeCounter{name: "scaler0"}
	ub := newTestBundle("UPD", c)
	ub.gain.set(0)
	ub.signal.set(1e12) // always saturated
	g := &Group{Counter: c, Bundles: []*Bundle{ub.Bundle}}

	converged, err := Autoscale(context.Background(), g, NewGainCache(), Options{
		CountTime:     time.Millisecond,
		MaxIterations: 4,
		Live:          true,
	})
	if converged {
		t.Fatal("should not converge while saturated")
	}
	ae, ok := err.(AutoscaleError)
	if !ok {
		t.Fatalf("expected AutoscaleError, got %v", err)
	}
	if c.triggers != 4 {
		t.Errorf("expected exactly 4 iterations, got %d", c.triggers)
	}
	if len(ae.States) != 1 || ae.States[0].NotSaturated {
		t.Errorf("convergence vector should show saturation: %+v", ae.States)
	}
}

func TestAutoscaleDryRunToleratesNonConvergence(t *testing.T) {
	c := &fakeCounter{name: "scaler0"}
	ub := newTestBundle("UPD", c)
	ub.signal.set(1e12)
	g := &Group{Counter: c, Bundles: []*Bundle{ub.Bundle}}

	converged, err := Autoscale(context.Background(), g, NewGainCache(), Options{
		CountTime:     time.Millisecond,
		MaxIterations: 3,
		Live:          false,
	})
	if err != nil {
		t.Fatalf("non-live autoscale should not error: %v", err)
	}
	if converged {
		t.Fatal("should not report convergence")
	}
}

func TestAutoscaleRestoresCounterConfig(t *testing.T) {
	c := &fakeCounter{name: "scaler0", cfg: hw.CounterConfig{
		Preset: time.Second,
		Delay:  123 * time.Millisecond,
		Mode:   hw.AutoCount,
	}}
	original := c.cfg
	ub := newTestBundle("UPD", c)
	ub.signal.set(100)
	g := &Group{Counter: c, Bundles: []*Bundle{ub.Bundle}}

	_, err := Autoscale(context.Background(), g, NewGainCache(), Options{CountTime: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if c.cfg != original {
		t.Errorf("counter config not restored: %+v", c.cfg)
	}
}

func TestAutoscaleSeedsFromCache(t *testing.T) {
	c := &fakeCounter{name: "scaler0"}
	ub := newTestBundle("UPD", c)
	ub.signal.set(100)
	cache := NewGainCache()
	cache.Store("scaler0", "UPD_amp", 3)

	g := &Group{Counter: c, Bundles: []*Bundle{ub.Bundle}}
	_, err := Autoscale(context.Background(), g, cache, Options{CountTime: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := ub.rng.Get(context.Background()); v != 3 {
		t.Errorf("expected cache seed write of range 3, got %g", v)
	}
}

func TestAutoscaleUpdatesCache(t *testing.T) {
	c := &fakeCounter{name: "scaler0"}
	ub := newTestBundle("UPD", c)
	ub.gain.set(2)
	ub.signal.set(100)
	cache := NewGainCache()

	g := &Group{Counter: c, Bundles: []*Bundle{ub.Bundle}}
	_, err := Autoscale(context.Background(), g, cache, Options{CountTime: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	idx, ok := cache.Lookup("scaler0", "UPD_amp")
	if !ok || idx != 2 {
		t.Errorf("cache should hold gain 2, got %d (present=%v)", idx, ok)
	}
}

func TestBackgroundStoresMeanAndSigma(t *testing.T) {
	c := &fakeCounter{name: "scaler0"}
	ub := newTestBundle("UPD", c)
	// scripted raw counts per reading: 10, 20, 30
	vals := []float64{10, 20, 30}
	c.onTrigger = func(n int) {
		ub.signal.set(vals[(n-1)%len(vals)])
	}
	g := &Group{Counter: c, Bundles: []*Bundle{ub.Bundle}}

	countTime := 100 * time.Millisecond
	err := MeasureBackground(context.Background(), g, countTime, 3)
	if err != nil {
		t.Fatal(err)
	}

	// normalized readings are 100, 200, 300 counts/s at every range
	wantMean := 200.0
	wantSigma := 81.64965809277261 // population sigma of {100,200,300}
	for n := 0; n < len(testLabels); n++ {
		mean, _ := ub.Ranges[n].Background.Get(context.Background())
		sigma, _ := ub.Ranges[n].BackgroundError.Get(context.Background())
		if diff := mean - wantMean; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("range %d mean = %g, expected %g", n, mean, wantMean)
		}
		if diff := sigma - wantSigma; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("range %d sigma = %g, expected %g", n, sigma, wantSigma)
		}
	}
	// 5 ranges x 3 readings
	if c.triggers != 15 {
		t.Errorf("expected 15 counts, got %d", c.triggers)
	}
}

func TestBackgroundSweepsDescending(t *testing.T) {
	c := &fakeCounter{name: "scaler0"}
	ub := newTestBundle("UPD", c)
	var order []float64
	c.onTrigger = func(n int) {
		v, _ := ub.rng.Get(context.Background())
		order = append(order, v)
	}
	g := &Group{Counter: c, Bundles: []*Bundle{ub.Bundle}}
	err := MeasureBackground(context.Background(), g, 50*time.Millisecond, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{4, 3, 2, 1, 0}
	if len(order) != len(want) {
		t.Fatalf("expected %d counts, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("count %d at range %g, expected %g", i, order[i], want[i])
		}
	}
}

func TestBackgroundRestoresCounterConfig(t *testing.T) {
	c := &fakeCounter{name: "scaler0", cfg: hw.CounterConfig{Preset: 2 * time.Second, Delay: time.Second}}
	original := c.cfg
	ub := newTestBundle("UPD", c)
	g := &Group{Counter: c, Bundles: []*Bundle{ub.Bundle}}
	err := MeasureBackground(context.Background(), g, 50*time.Millisecond, 1)
	if err != nil {
		t.Fatal(err)
	}
	if c.cfg != original {
		t.Errorf("counter config not restored: %+v", c.cfg)
	}
}

func TestMeanStd(t *testing.T) {
	mean, sigma := meanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if mean != 5 {
		t.Errorf("mean = %g, expected 5", mean)
	}
	if sigma != 2 {
		t.Errorf("sigma = %g, expected 2", sigma)
	}
}

func TestGainCacheLastWriteWins(t *testing.T) {
	c := NewGainCache()
	c.Store("s", "a", 1)
	c.Store("s", "a", 4)
	idx, ok := c.Lookup("s", "a")
	if !ok || idx != 4 {
		t.Errorf("expected 4, got %d", idx)
	}
	if _, ok := c.Lookup("s", "b"); ok {
		t.Error("lookup of unknown key should miss")
	}
}
