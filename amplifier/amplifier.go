/*Package amplifier provides gain-range addressing for the current
amplifiers behind each photodiode / ion chamber.

A gain range can be named three equivalent ways: by its hardware label
("1e4 V/A"), by its ordinal index (0), or by its numeric magnitude
(1e4).  The enumeration of labels is learned from the hardware on first
use; SetGain accepts any of the three forms and issues a single write to
the range-selection channel.
*/
package amplifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aps-usaxs/gousaxs/hw"
)

// MinimumSettlingTime is the floor applied to any declared amplifier
// settling time; gain changes are never trusted faster than this.
const MinimumSettlingTime = 10 * time.Millisecond

// undefLabel marks unused slots in the hardware enumeration.
const undefLabel = "UNDEF"

// ConfigError is generated when the hardware-reported gain enumeration
// is unusable (empty, or labels with differing unit suffixes).
type ConfigError struct {
	Msg string
}

func (e ConfigError) Error() string {
	return "amplifier: bad gain enumeration: " + e.Msg
}

// InvalidGainError is generated when a requested gain is not in the
// acceptable set.  It lists every value the amplifier will take.
type InvalidGainError struct {
	Target     string
	Acceptable []string
}

func (e InvalidGainError) Error() string {
	return fmt.Sprintf("could not set gain to %s, must be one of these: %s",
		e.Target, strings.Join(e.Acceptable, ", "))
}

type targetKind int

const (
	kindLabel targetKind = iota
	kindIndex
	kindValue
)

// GainTarget is a gain addressed by label, index, or numeric magnitude.
// Construct with GainLabel, GainIndex, or GainValue.
type GainTarget struct {
	kind  targetKind
	label string
	index int
	value float64
}

// GainLabel addresses a gain by its hardware label, e.g. "1e6 V/A".
func GainLabel(s string) GainTarget { return GainTarget{kind: kindLabel, label: s} }

// GainIndex addresses a gain by ordinal index.
func GainIndex(i int) GainTarget { return GainTarget{kind: kindIndex, index: i} }

// GainValue addresses a gain by numeric magnitude, e.g. 1e6.
func GainValue(v float64) GainTarget { return GainTarget{kind: kindValue, value: v} }

func (t GainTarget) String() string {
	switch t.kind {
	case kindLabel:
		return t.label
	case kindIndex:
		return strconv.Itoa(t.index)
	default:
		return fmtGain(t.value)
	}
}

// Amplifier couples the gain readback channel and the range-selection
// channel of one current amplifier.
type Amplifier struct {
	// Name identifies the amplifier, e.g. "upd_femto".
	Name string

	// Gain is the readback of the currently selected range index.
	Gain hw.Setting

	// Range is the range-selection channel.  If it implements
	// hw.LabelWriter, labels are written directly; otherwise writes are
	// by index.
	Range hw.EnumSetting

	// SettlingTime is how long readings are invalid after a gain change.
	SettlingTime time.Duration

	mu     sync.Mutex
	known  bool
	labels []string
	values []float64
	suffix string
}

// fmtGain renders a gain magnitude as its canonical one significant
// digit label mantissa, e.g. 10000.0 -> "1e4".
func fmtGain(v float64) string {
	s := strconv.FormatFloat(v, 'e', 0, 64)
	s = strings.Replace(s, "+", "", 1)
	s = strings.Replace(s, "e0", "e", 1)
	return s
}

// initGains learns the range values from the hardware enumeration and
// derives the acceptable-values set for later use.
func (a *Amplifier) initGains(ctx context.Context) error {
	enum, err := a.Range.Labels(ctx)
	if err != nil {
		return err
	}
	labels := make([]string, 0, len(enum))
	for _, s := range enum {
		if s != undefLabel {
			labels = append(labels, s)
		}
	}
	if len(labels) == 0 {
		return ConfigError{Msg: "enumeration is empty"}
	}
	values := make([]float64, len(labels))
	suffix := ""
	for i, s := range labels {
		sp := strings.IndexByte(s, ' ')
		if sp < 0 {
			return ConfigError{Msg: fmt.Sprintf("label %q is not '{float} {units}'", s)}
		}
		v, err := strconv.ParseFloat(s[:sp], 64)
		if err != nil {
			return ConfigError{Msg: fmt.Sprintf("label %q does not begin with a float", s)}
		}
		values[i] = v
		if i == 0 {
			suffix = s[sp:]
		} else if s[sp:] != suffix {
			return ConfigError{Msg: fmt.Sprintf("label[%d] = %q, expected ending %q", i, s, suffix)}
		}
	}
	a.labels = labels
	a.values = values
	a.suffix = suffix
	a.known = true
	return nil
}

func (a *Amplifier) ensureKnown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.known {
		return nil
	}
	return a.initGains(ctx)
}

// NumGains returns the number of valid gain ranges.
func (a *Amplifier) NumGains(ctx context.Context) (int, error) {
	if err := a.ensureKnown(ctx); err != nil {
		return 0, err
	}
	return len(a.labels), nil
}

// Suffix returns the unit suffix shared by every gain label, including
// its leading space, e.g. " V/A".
func (a *Amplifier) Suffix(ctx context.Context) (string, error) {
	if err := a.ensureKnown(ctx); err != nil {
		return "", err
	}
	return a.suffix, nil
}

// AcceptableValues returns every form a gain may be addressed by:
// labels, numeric magnitudes, and indices.
func (a *Amplifier) AcceptableValues(ctx context.Context) ([]string, error) {
	if err := a.ensureKnown(ctx); err != nil {
		return nil, err
	}
	return a.acceptable(), nil
}

func (a *Amplifier) acceptable() []string {
	out := make([]string, 0, 3*len(a.labels))
	out = append(out, a.labels...)
	for _, v := range a.values {
		out = append(out, fmtGain(v))
	}
	for i := range a.labels {
		out = append(out, strconv.Itoa(i))
	}
	return out
}

// Normalize resolves a GainTarget to its canonical range index.
func (a *Amplifier) Normalize(ctx context.Context, target GainTarget) (int, error) {
	if err := a.ensureKnown(ctx); err != nil {
		return 0, err
	}
	switch target.kind {
	case kindLabel:
		for i, s := range a.labels {
			if s == target.label {
				return i, nil
			}
		}
	case kindIndex:
		if target.index >= 0 && target.index < len(a.labels) {
			return target.index, nil
		}
	case kindValue:
		for i, v := range a.values {
			if v == target.value {
				return i, nil
			}
		}
		// a magnitude may be written less canonically than the label
		// mantissa; reformat and compare in label space
		want := fmtGain(target.value) + a.suffix
		for i, s := range a.labels {
			if s == want {
				return i, nil
			}
		}
	}
	return 0, InvalidGainError{Target: target.String(), Acceptable: a.acceptable()}
}

// SetGain sets the amplifier to the requested gain with a single write
// to the range-selection channel.
func (a *Amplifier) SetGain(ctx context.Context, target GainTarget) error {
	idx, err := a.Normalize(ctx, target)
	if err != nil {
		return err
	}
	if lw, ok := a.Range.(hw.LabelWriter); ok {
		return lw.PutLabel(ctx, a.labels[idx])
	}
	return a.Range.Put(ctx, float64(idx))
}

// CurrentIndex reads the gain readback channel and returns the selected
// range index.
func (a *Amplifier) CurrentIndex(ctx context.Context) (int, error) {
	v, err := a.Gain.Get(ctx)
	if err != nil {
		return 0, err
	}
	return int(v + 0.5), nil
}

// Settle returns the amplifier's settling time, floored at
// MinimumSettlingTime.
func (a *Amplifier) Settle() time.Duration {
	if a.SettlingTime < MinimumSettlingTime {
		return MinimumSettlingTime
	}
	return a.SettlingTime
}
