// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package fixture

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/denisbohm/fireflyfixture/firmware"
	"github.com/denisbohm/fireflyfixture/flasher"
	"github.com/denisbohm/fireflyfixture/swd"
)

// ProgramScript programs a board: it loads the flasher agent for the
// board's MCU and the firmware image out of the bundle, connects the
// SWD probe, and flashes. With a storage-equipped fixture the firmware
// is cached on the fixture's own flash, so repeat boards program
// without re-sending the image over USB.
type ProgramScript struct {
	Bundle   *Bundle
	Mcu      string
	Firmware string
	// Date orders the fixture's firmware cache for eviction; pass the
	// image's build date.
	Date uint32

	flasher *flasher.Flasher
}

// Setup loads the images and prepares the target for programming.
func (s *ProgramScript) Setup(ctx context.Context, f *Fixture) error {
	if f.SerialWire == nil {
		return errors.New("fixture: no SerialWire instrument attached")
	}

	flasherPath, err := s.Bundle.PathForResource(filepath.Join("flasher", s.Mcu+".elf"))
	if err != nil {
		return err
	}
	resident, err := firmware.Load(flasherPath)
	if err != nil {
		return err
	}
	firmwarePath, err := s.Bundle.PathForResource(filepath.Join("firmware", s.Firmware+".elf"))
	if err != nil {
		return err
	}
	target, err := firmware.Load(firmwarePath)
	if err != nil {
		return err
	}
	f.Log(fmt.Sprintf("code: %#08x size: %#08x", target.Address, len(target.Data)), Information)

	if err := f.SerialWire.SetEnabled(ctx, true); err != nil {
		return err
	}
	dpid, err := f.SerialWire.Connect(ctx)
	if err != nil {
		return err
	}
	f.Log(fmt.Sprintf("debug port id: %#08x", dpid), Information)

	s.flasher, err = flasher.New(swd.NewEngine(f.SerialWire), resident, target)
	if err != nil {
		return err
	}
	if f.FileSystem != nil {
		s.flasher.UseStorage(f.FileSystem, f.Storage.Identifier())
	}
	return s.flasher.Setup(ctx, s.Firmware, s.Date)
}

// Main flashes and verifies the board.
func (s *ProgramScript) Main(ctx context.Context, f *Fixture) (Verdict, error) {
	if err := s.flasher.Flash(ctx); err != nil {
		return Failed, err
	}
	f.Log("firmware programmed and verified", Information)
	return Passed, nil
}
