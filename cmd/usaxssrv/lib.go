package main

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/tarm/serial"
	"goji.io"

	"github.com/aps-usaxs/gousaxs/autorange"
	"github.com/aps-usaxs/gousaxs/scaler"
	"github.com/aps-usaxs/gousaxs/ustep"
)

// CrateSetup describes one counting crate and the detector channels
// that live on it.
type CrateSetup struct {
	// Name identifies the crate, e.g. scaler0
	Name string `yaml:"Name"`

	// Addr holds the network or filesystem address of the crate,
	// e.g. 192.168.100.123:2006 for a device connected to port 6 on a
	// digi portserver, or /dev/ttyS4 for an RS232 device on a serial
	// cable
	Addr string `yaml:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or
	// TCP (False)
	Serial bool `yaml:"Serial"`

	// Baud is the serial baud rate; ignored for TCP
	Baud int `yaml:"Baud"`

	// Channels is the list of detector channels on this crate
	Channels []scaler.ChannelSetup `yaml:"Channels"`
}

// Config holds the initialization parameters for the server.  It is to
// be populated by a yaml/unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Mock replaces every crate with the in-memory simulator
	Mock bool `yaml:"Mock"`

	// Live escalates autoscale non-convergence to an error response;
	// turn off for commissioning
	Live bool `yaml:"Live"`

	// Crates is the list of counting crates to set up
	Crates []CrateSetup `yaml:"Crates"`
}

// BuildMux constructs the instrument bundles from the config and returns
// a mux with the step-series and autorange routes populated.
func BuildMux(c Config) http.Handler {
	cache := autorange.NewGainCache()
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
		log.Println("no channels configured; only /ustep/series will respond usefully")
	}

	mux := goji.NewMux()
	mux.Use(middleware.Logger)
	ustep.NewHTTPWrapper("/ustep/").BindRoutes(mux)
	autorange.NewHTTPWrapper("/autorange/", bundles, cache, c.Live).BindRoutes(mux)
	return mux
}
