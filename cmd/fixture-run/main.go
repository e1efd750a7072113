// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// fixture-run runs a test script against an attached fixture.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/denisbohm/fireflyfixture/fixture"
	"github.com/denisbohm/fireflyfixture/hid"
)

// blinkyScript alternates the fixture's indicator between red and blue,
// for checking a station's wiring without a board attached.
type blinkyScript struct {
	count int
}

func (s *blinkyScript) Setup(ctx context.Context, f *fixture.Fixture) error {
	if f.Indicator == nil {
		return errors.New("no Indicator instrument attached")
	}
	return nil
}

func (s *blinkyScript) Main(ctx context.Context, f *fixture.Fixture) (fixture.Verdict, error) {
	for i := 0; i < s.count; i++ {
		if err := f.Indicator.Set(ctx, 1.0, 0.0, 0.0); err != nil {
			return fixture.Failed, err
		}
		time.Sleep(500 * time.Millisecond)
		if err := f.Indicator.Set(ctx, 0.0, 0.0, 0.1); err != nil {
			return fixture.Failed, err
		}
		time.Sleep(500 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			return fixture.Failed, err
		}
	}
	return fixture.Passed, nil
}

func mainImpl() error {
	vendor := flag.Uint("vendor", hid.VendorID, "fixture USB vendor id")
	product := flag.Uint("product", hid.ProductID, "fixture USB product id")
	mcu := flag.String("mcu", "STM32F4", "target MCU, names the flasher agent resource")
	firmwareName := flag.String("firmware", "firmware", "firmware resource to program")
	date := flag.Uint("date", uint(time.Now().Unix()), "firmware date, orders the fixture cache")
	blinky := flag.Bool("blinky", false, "blink the indicator instead of programming")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()
	if !*verbose {
		log.SetOutput(ioutil.Discard)
	}
	log.SetFlags(log.Lmicroseconds)

	roots := flag.Args()
	if len(roots) == 0 {
		roots = []string{"resources"}
	}

	// Ctrl-C is the station's Cancel button.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	device, err := hid.Open(uint16(*vendor), uint16(*product))
	if err != nil {
		return err
	}
	defer device.Close()

	f := fixture.New(device, fixture.LogAdapter{})
	var script fixture.Script
	if *blinky {
		script = &blinkyScript{count: 10}
	} else {
		script = &fixture.ProgramScript{
			Bundle:   fixture.NewBundle(roots...),
			Mcu:      *mcu,
			Firmware: *firmwareName,
			Date:     uint32(*date),
		}
	}
	verdict := fixture.Run(ctx, f, script)
	if verdict != fixture.Passed {
		return fmt.Errorf("script verdict: %s", verdict)
	}
	return nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\nfixture-run: %s.\n", err)
		os.Exit(1)
	}
}
