package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"

	"github.com/aps-usaxs/gousaxs/autorange"
	"github.com/aps-usaxs/gousaxs/scan"
	"github.com/aps-usaxs/gousaxs/ustep"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "usaxsctl.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(Config{
		Live:   true,
		Crates: []CrateSetup{}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `usaxsctl drives the USAXS autorange machinery from the command line.

Usage:
	usaxsctl <command> [args]

Commands:
	autoscale
	background
	series <start> <reference> <finish> <points> [exponent] [minstep]
	scan   <start> <reference> <finish> <points> [exponent] [minstep]
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `usaxsctl is amenable to configuration via its .yaml file, which matches
the usaxssrv format.  For a primer on YAML, see https://yaml.org/start.html

autoscale drives every configured amplifier to a stable, unsaturated
gain and prints the per-crate convergence and the resulting gains.

background sweeps every gain range with the shutter closed and stores
the dark-current mean and sigma in the per-range background slots.

series previews a step-scan position series: it solves the step-law
factor and prints every position.  exponent defaults to 1 and minstep
to 0.000025 degrees.

scan runs a dry-run step scan against the simulator (Mock: true is
required) and prints one record per point.  Non-convergence is
tolerated in a dry run.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("usaxsctl version %v\n", Version)
}

func argSeries(args []string) *ustep.Series {
	if len(args) < 4 {
		log.Fatal("need <start> <reference> <finish> <points>, see usaxsctl help")
	}
	argF := func(i int, name string) float64 {
		v, err := strconv.ParseFloat(args[i], 64)
		if err != nil {
			log.Fatalf("bad %s %q: %v", name, args[i], err)
		}
		return v
	}
	start := argF(0, "start")
	reference := argF(1, "reference")
	finish := argF(2, "finish")
	points, err := strconv.Atoi(args[3])
	if err != nil {
		log.Fatalf("bad points %q: %v", args[3], err)
	}
	exponent := 1.0
	if len(args) > 4 {
		exponent = argF(4, "exponent")
	}
	minStep := 0.000025
	if len(args) > 5 {
		minStep = argF(5, "minstep")
	}
	s, err := ustep.New(start, reference, finish, points, exponent, minStep)
	if err != nil {
		log.Fatal(err)
	}
	return s
}

func doSeries(args []string) {
	s := argSeries(args)
	fmt.Printf("factor %g for %d points\n", s.Factor, s.NumPoints)
	for i, p := range s.Points() {
		fmt.Printf("%4d  %12.7f\n", i, p)
	}
}

func doAutoscale(c Config) {
	bundles := buildBundles(c)
	cache := autorange.NewGainCache()
	sp := spinner("autoscaling")
	results, err := autorange.AutoscaleAll(context.Background(), bundles, cache, autorange.Options{Live: c.Live})
	if err != nil {
		sp.StopFail()
		log.Fatal(err)
	}
	sp.Stop()
	for counter, converged := range results {
		state := "converged"
		if !converged {
			state = "DID NOT CONVERGE"
		}
		fmt.Printf("%s: %s\n", counter, state)
	}
	for counter, gains := range cache.Snapshot() {
		for amp, idx := range gains {
			fmt.Printf("%s/%s: range %d\n", counter, amp, idx)
		}
	}
}

func doBackground(c Config) {
	bundles := buildBundles(c)
	sp := spinner("measuring backgrounds")
	err := autorange.MeasureBackgroundAll(context.Background(), bundles,
		autorange.DefaultBackgroundCountTime, autorange.DefaultBackgroundReadings)
	if err != nil {
		sp.StopFail()
		log.Fatal(err)
	}
	sp.Stop()
	fmt.Println("backgrounds stored on every range of every channel")
}

func doScan(c Config, args []string) {
	if !c.Mock {
		log.Fatal("scan is a dry run against the simulator; set Mock: true in " + ConfigFileName)
	}
	series := argSeries(args)
	bundles := buildBundles(c)
	primary := bundles[0]
	for _, b := range bundles {
		if b.Name == "UPD" {
			primary = b
		}
	}
	var aux []*autorange.Bundle
	for _, b := range bundles {
		if b != primary {
			aux = append(aux, b)
		}
	}

	s := &scan.Scan{
		Mover:       &noopMover{},
		Series:      series,
		Primary:     primary,
		Aux:         aux,
		Cache:       autorange.NewGainCache(),
		CountTime:   50 * time.Millisecond,
		DynamicTime: true,
	}
	sp := spinner("scanning " + primary.Name)
	recs, err := s.Run(context.Background())
	if err != nil {
		sp.StopFail()
		log.Fatal(err)
	}
	sp.Stop()
	fmt.Println("   #      position         rate  range")
	for _, r := range recs {
		fmt.Printf("%4d  %12.7f  %11.1f  %5d\n", r.Index, r.Position, r.Rate, r.GainIndex)
	}
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd := strings.ToLower(args[1])
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "version":
		pversion()
	case "series":
		doSeries(args[2:])
	case "autoscale":
		doAutoscale(c)
	case "background":
		doBackground(c)
	case "scan":
		doScan(c, args[2:])
	default:
		log.Fatal("unknown command")
	}
}
