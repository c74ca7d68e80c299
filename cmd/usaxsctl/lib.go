package main

import (
	"context"
	"log"
	"time"

	"github.com/tarm/serial"
	"github.com/theckman/yacspin"

	"github.com/aps-usaxs/gousaxs/autorange"
	"github.com/aps-usaxs/gousaxs/scaler"
)

// CrateSetup describes one counting crate and the detector channels
// that live on it; the format matches usaxssrv so one config can serve
// both programs.
type CrateSetup struct {
	// Name identifies the crate, e.g. scaler0
	Name string `yaml:"Name"`

	// Addr holds the network or filesystem address of the crate
	Addr string `yaml:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or
	// TCP (False)
	Serial bool `yaml:"Serial"`

	// Baud is the serial baud rate; ignored for TCP
	Baud int `yaml:"Baud"`

	// Channels is the list of detector channels on this crate
	Channels []scaler.ChannelSetup `yaml:"Channels"`
}

// Config holds the initialization parameters for the tool.  It is to be
// populated by a yaml/unmarshal call.
type Config struct {
	// Mock replaces every crate with the in-memory simulator; required
	// for the scan command
	Mock bool `yaml:"Mock"`

	// Live escalates autoscale non-convergence to an error; turn off
	// for commissioning
	Live bool `yaml:"Live"`

	// Crates is the list of counting crates to set up
	Crates []CrateSetup `yaml:"Crates"`
}

// buildBundles constructs the detector control bundles from the config.
func buildBundles(c Config) []*autorange.Bundle {
	var bundles []*autorange.Bundle
	for _, crate := range c.Crates {
		if c.Mock {
			sim := scaler.NewSimCrate(crate.Name)
			for _, cs := range crate.Channels {
				ch := sim.AddChannel(1e-3, 1000, cs.MaxCountRate)
				settle := time.Duration(cs.SettlingTime * float64(time.Second))
				b := ch.Bundle(cs.Name, settle)
				b.MaxCountRate = cs.MaxCountRate
				bundles = append(bundles, b)
			}
			continue
		}
		var dev *scaler.Device
		if crate.Serial {
			baud := crate.Baud
			if baud == 0 {
				baud = 115200
			}
			dev = scaler.NewSerialDevice(crate.Name, &serial.Config{Name: crate.Addr, Baud: baud})
		} else {
			dev = scaler.NewDevice(crate.Name, crate.Addr)
		}
		for _, cs := range crate.Channels {
			bundles = append(bundles, dev.NewBundle(cs))
		}
	}
	if len(bundles) == 0 {
		log.Fatal("no channels configured; run mkconf and edit " + ConfigFileName)
	}
	return bundles
}

// spinner returns a started spinner with the given verb as its suffix.
func spinner(verb string) *yacspin.Spinner {
	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[59],
		Suffix:            " " + verb,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	}
	s, err := yacspin.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	s.Start()
	return s
}

// noopMover stands in for the analyzer stage during a dry-run scan.
type noopMover struct {
	pos float64
}

func (m *noopMover) Move(ctx context.Context, pos float64) error {
	m.pos = pos
	return nil
}

func (m *noopMover) Pos(ctx context.Context) (float64, error) {
	return m.pos, nil
}
