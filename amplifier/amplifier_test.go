package amplifier

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeSetting struct {
	v float64
}

func (f *fakeSetting) Get(ctx context.Context) (float64, error) { return f.v, nil }
func (f *fakeSetting) Put(ctx context.Context, v float64) error { f.v = v; return nil }

type fakeEnum struct {
	fakeSetting
	labels    []string
	lastLabel string
}

func (f *fakeEnum) Labels(ctx context.Context) ([]string, error) { return f.labels, nil }

// labelEnum additionally accepts label writes
type labelEnum struct {
	fakeEnum
}

func (f *labelEnum) PutLabel(ctx context.Context, label string) error {
	f.lastLabel = label
	return nil
}

var femtoLabels = []string{"1e4 V/A", "1e5 V/A", "1e6 V/A", "1e7 V/A", "1e8 V/A"}

func newTestAmp() (*Amplifier, *fakeEnum) {
	enum := &fakeEnum{labels: femtoLabels}
	return &Amplifier{Name: "upd", Gain: &fakeSetting{}, Range: enum}, enum
}

func TestAllThreeFormsResolveToSameIndex(t *testing.T) {
	amp, _ := newTestAmp()
	ctx := context.Background()
	targets := []GainTarget{GainLabel("1e6 V/A"), GainIndex(2), GainValue(1e6)}
	for _, tgt := range targets {
		idx, err := amp.Normalize(ctx, tgt)
		if err != nil {
			t.Fatalf("normalize %s: %v", tgt, err)
		}
		if idx != 2 {
			t.Errorf("target %s resolved to %d, expected 2", tgt, idx)
		}
	}
}

func TestSetGainWritesIndexForIndexOnlyChannel(t *testing.T) {
	amp, enum := newTestAmp()
	err := amp.SetGain(context.Background(), GainValue(1e7))
	if err != nil {
		t.Fatal(err)
	}
	if enum.v != 3 {
		t.Errorf("expected index 3 written, got %g", enum.v)
	}
}

func TestSetGainWritesLabelWhenSupported(t *testing.T) {
	enum := &labelEnum{fakeEnum{labels: femtoLabels}}
	amp := &Amplifier{Name: "upd", Gain: &fakeSetting{}, Range: enum}
	err := amp.SetGain(context.Background(), GainValue(1e5))
	if err != nil {
		t.Fatal(err)
	}
	if enum.lastLabel != "1e5 V/A" {
		t.Errorf("expected label write of %q, got %q", "1e5 V/A", enum.lastLabel)
	}
}

func TestUnrecognizedGainListsAcceptableSet(t *testing.T) {
	amp, _ := newTestAmp()
	err := amp.SetGain(context.Background(), GainValue(3e9))
	if err == nil {
		t.Fatal("expected InvalidGainError")
	}
	var ige InvalidGainError
	if !errors.As(err, &ige) {
		t.Fatalf("expected InvalidGainError, got %T", err)
	}
	if len(ige.Acceptable) != 3*len(femtoLabels) {
		t.Errorf("acceptable set has %d entries, expected %d", len(ige.Acceptable), 3*len(femtoLabels))
	}
	if !strings.Contains(err.Error(), "1e4 V/A") {
		t.Errorf("error does not list acceptable values: %s", err)
	}
}

func TestIndexOutOfRangeRejected(t *testing.T) {
	amp, _ := newTestAmp()
	for _, i := range []int{-1, 5, 100} {
		if _, err := amp.Normalize(context.Background(), GainIndex(i)); err == nil {
			t.Errorf("index %d accepted, expected InvalidGainError", i)
		}
	}
}

func TestUndefLabelsFiltered(t *testing.T) {
	enum := &fakeEnum{labels: append(append([]string{}, femtoLabels...), "UNDEF", "UNDEF")}
	amp := &Amplifier{Name: "i0", Gain: &fakeSetting{}, Range: enum}
	n, err := amp.NumGains(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != len(femtoLabels) {
		t.Errorf("expected %d gains after filtering UNDEF, got %d", len(femtoLabels), n)
	}
}

func TestInconsistentSuffixIsConfigError(t *testing.T) {
	enum := &fakeEnum{labels: []string{"1e4 V/A", "1e5 A/V"}}
	amp := &Amplifier{Name: "bad", Gain: &fakeSetting{}, Range: enum}
	_, err := amp.NumGains(context.Background())
	var ce ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestEmptyEnumerationIsConfigError(t *testing.T) {
	enum := &fakeEnum{labels: []string{"UNDEF"}}
	amp := &Amplifier{Name: "bad", Gain: &fakeSetting{}, Range: enum}
	_, err := amp.NumGains(context.Background())
	var ce ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestFmtGain(t *testing.T) {
	cases := map[float64]string{
		1e4:  "1e4",
		1e6:  "1e6",
		1e10: "1e10",
		2e5:  "2e5",
	}
	for in, want := range cases {
		if got := fmtGain(in); got != want {
			t.Errorf("fmtGain(%g) = %q, expected %q", in, got, want)
		}
	}
}
