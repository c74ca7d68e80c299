package scaler

import (
	"time"

	"github.com/aps-usaxs/gousaxs/amplifier"
	"github.com/aps-usaxs/gousaxs/autorange"
)

// ChannelSetup describes one detector channel on the crate; it is the
// unit of the instrument config file.
type ChannelSetup struct {
	// Name is the operator-facing nickname, e.g. UPD
	Name string `yaml:"name"`

	// Base is the channel's register block base address
	Base uint16 `yaml:"base"`

	// NumRanges is how many gain ranges the amplifier carries
	NumRanges int `yaml:"ranges"`

	// SettlingTime is the amplifier settling time in seconds
	SettlingTime float64 `yaml:"settlingTime"`

	// MaxCountRate is the saturation threshold in counts/s
	MaxCountRate float64 `yaml:"maxCountRate"`
}

// NewBundle builds the detector control bundle for a channel from its
// register block layout.
func (d *Device) NewBundle(s ChannelSetup) *autorange.Bundle {
	ranges := make([]autorange.RangeSlot, s.NumRanges)
	for i := range ranges {
		base := s.Base + offRangeData + uint16(2*i)
		ranges[i] = autorange.RangeSlot{
			Background:      d.Channel(base),
			BackgroundError: d.Channel(base + 1),
		}
	}
	return &autorange.Bundle{
		Name:    s.Name,
		Counter: d,
		Signal:  d.Channel(s.Base + offSignal),
		Amp: &amplifier.Amplifier{
			Name:         s.Name + "_amp",
			Gain:         d.Channel(s.Base + offGain),
			Range:        d.EnumChannel(s.Base + offRange),
			SettlingTime: time.Duration(s.SettlingTime * float64(time.Second)),
		},
		Mode:         d.Channel(s.Base + offMode),
		Ranges:       ranges,
		MaxCountRate: s.MaxCountRate,
	}
}
