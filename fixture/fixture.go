// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package fixture wires a test station run together: it opens the
// instrument bus, discovers the attached instruments, mounts the flash
// store, and runs a test script to a verdict with cooperative
// cancellation.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/denisbohm/fireflyfixture/flash"
	"github.com/denisbohm/fireflyfixture/hid"
	"github.com/denisbohm/fireflyfixture/instrument"
)

// Severity classifies a log line for the operator's display.
type Severity int

const (
	// Information is routine progress output.
	Information Severity = iota
	// Pass marks a passing verdict line.
	Pass
	// Fail marks failures and cancellations.
	Fail
)

// Logger receives script and fixture progress lines. The front end
// renders Pass and Fail lines distinctly so an operator can read a
// verdict across the room.
type Logger interface {
	Log(message string, severity Severity)
}

// LogAdapter is a Logger over the standard log package, for running
// scripts from a terminal.
type LogAdapter struct{}

func (LogAdapter) Log(message string, severity Severity) {
	switch severity {
	case Pass:
		log.Printf("PASS %s", message)
	case Fail:
		log.Printf("FAIL %s", message)
	default:
		log.Print(message)
	}
}

// Verdict is the outcome of one script run.
type Verdict int

const (
	// Failed means the script ran to completion and the board did not
	// pass.
	Failed Verdict = iota
	// Passed means the board passed.
	Passed
	// Cancelled means the operator stopped the run.
	Cancelled
	// Exception means the script aborted on an error.
	Exception
)

func (v Verdict) String() string {
	switch v {
	case Failed:
		return "fail"
	case Passed:
		return "pass"
	case Cancelled:
		return "cancelled"
	default:
		return "exception"
	}
}

// Fixture is one attached test fixture: the instrument bus plus the
// discovered instruments a script drives. Fields for instruments the
// fixture does not carry stay nil.
type Fixture struct {
	Bus        *instrument.Bus
	Indicator  *instrument.Indicator
	Relay      *instrument.Relay
	Battery    *instrument.Battery
	Voltage    *instrument.Voltage
	Current    *instrument.Current
	Storage    *instrument.Storage
	SerialWire *instrument.SerialWire
	FileSystem *flash.FileSystem

	logger Logger
}

// New wraps an open transport. Call Setup before handing the fixture to
// a script.
func New(transport hid.Transport, logger Logger) *Fixture {
	return &Fixture{Bus: instrument.NewBus(transport), logger: logger}
}

// Log forwards a line to the operator's display.
func (f *Fixture) Log(message string, severity Severity) {
	f.logger.Log(message, severity)
}

// Setup discovers the attached instruments, lights the indicator, and
// mounts the flash store, logging its entries for the operator.
func (f *Fixture) Setup(ctx context.Context) error {
	if err := f.Bus.DiscoverInstruments(ctx); err != nil {
		return err
	}
	if facade := f.Bus.InstrumentByCategory("Indicator"); facade != nil {
		f.Indicator = facade.(*instrument.Indicator)
		if err := f.Indicator.Set(ctx, 1.0, 0.0, 0.0); err != nil {
			return err
		}
	}
	if facade := f.Bus.InstrumentByCategory("Relay"); facade != nil {
		f.Relay = facade.(*instrument.Relay)
	}
	if facade := f.Bus.InstrumentByCategory("Battery"); facade != nil {
		f.Battery = facade.(*instrument.Battery)
	}
	if facade := f.Bus.InstrumentByCategory("Voltage"); facade != nil {
		f.Voltage = facade.(*instrument.Voltage)
	}
	if facade := f.Bus.InstrumentByCategory("Current"); facade != nil {
		f.Current = facade.(*instrument.Current)
	}
	if facade := f.Bus.InstrumentByCategory("SerialWire"); facade != nil {
		f.SerialWire = facade.(*instrument.SerialWire)
	}
	if facade := f.Bus.InstrumentByCategory("Storage"); facade != nil {
		f.Storage = facade.(*instrument.Storage)
		f.FileSystem = flash.New(f.Storage, func(format string, args ...interface{}) {
			f.Log(fmt.Sprintf(format, args...), Information)
		})
		f.Log("Inspecting file system...", Information)
		if err := f.FileSystem.Inspect(ctx); err != nil {
			return err
		}
		f.Log("File system entries:", Information)
		for _, entry := range f.FileSystem.List() {
			f.Log(fmt.Sprintf("  %s %d", entry.Name, entry.Length), Information)
		}
	}
	return nil
}

// Script is one board test. Setup runs after the fixture's own setup;
// Main returns the board's verdict. Both observe cancellation through
// ctx.
type Script interface {
	Setup(ctx context.Context, f *Fixture) error
	Main(ctx context.Context, f *Fixture) (Verdict, error)
}

// Run takes a script through setup and main and folds errors into a
// verdict: a cancelled context is the operator stopping the run, any
// other error is an exception, logged with its chain for triage.
func Run(ctx context.Context, f *Fixture, script Script) Verdict {
	verdict, err := run(ctx, f, script)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			f.Log("Script cancelled!", Fail)
			return Cancelled
		}
		f.Log(fmt.Sprintf("Script exception: %v", err), Fail)
		return Exception
	}
	switch verdict {
	case Passed:
		f.Log("Pass", Pass)
	default:
		f.Log("Fail!", Fail)
	}
	return verdict
}

func run(ctx context.Context, f *Fixture, script Script) (Verdict, error) {
	if err := f.Setup(ctx); err != nil {
		return Failed, err
	}
	if err := script.Setup(ctx, f); err != nil {
		return Failed, err
	}
	return script.Main(ctx, f)
}

// Retry polls predicate until it reports true, the wall-clock deadline
// passes, or ctx is cancelled. message names the awaited condition in
// the timeout error.
func Retry(ctx context.Context, predicate func(context.Context) (bool, error), timeout time.Duration, message string) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := predicate(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("fixture: timed out waiting for %s", message)
		}
	}
}
