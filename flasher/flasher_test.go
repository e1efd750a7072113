// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package flasher

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/denisbohm/fireflyfixture/firmware"
	"github.com/denisbohm/fireflyfixture/fixturetest"
	"github.com/denisbohm/fireflyfixture/flash"
	"github.com/denisbohm/fireflyfixture/swd"
	"github.com/denisbohm/fireflyfixture/wire"
)

// Transfer batch discriminants, as the probe firmware defines them.
const (
	kindReadRegister = iota
	kindWriteRegister
	kindReadMemory
	kindWriteMemory
)

const (
	ramBase   = 0x20000000
	flashBase = 0x08000000
	dhcsr     = 0xe000edf0

	regR0 = 0
	regR1 = 1
	regR2 = 2
	regPC = 15
)

// simulatedTarget implements swd.Port as a target with RAM, flash, and
// a resident flasher agent: resuming the core "executes" the agent entry
// point the PC register names and re-halts.
type simulatedTarget struct {
	ram       []byte
	flash     []byte
	registers map[uint32]uint32
	halted    bool
	storage   *fixturetest.MemoryStorage

	agent struct {
		eraseAll  uint32
		erasePage uint32
		write     uint32
	}

	failWrite         bool
	corruptAfterWrite bool
}

func newSimulatedTarget(resident *firmware.Image) *simulatedTarget {
	s := &simulatedTarget{
		ram:       make([]byte, 0x4000),
		flash:     make([]byte, 0x2000),
		registers: map[uint32]uint32{},
	}
	s.agent.eraseAll = resident.Functions[functionEraseAll]
	s.agent.erasePage = resident.Functions[functionErasePage]
	s.agent.write = resident.Functions[functionWrite]
	return s
}

func (s *simulatedTarget) memory(address uint32, length int) ([]byte, error) {
	switch {
	case address >= ramBase && int(address-ramBase)+length <= len(s.ram):
		return s.ram[address-ramBase : int(address-ramBase)+length], nil
	case address >= flashBase && int(address-flashBase)+length <= len(s.flash):
		return s.flash[address-flashBase : int(address-flashBase)+length], nil
	}
	return nil, fmt.Errorf("simulated target: unmapped access %#x+%#x", address, length)
}

func (s *simulatedTarget) execute() {
	pc := s.registers[regPC] &^ 1
	r0 := s.registers[regR0]
	r1 := s.registers[regR1]
	r2 := s.registers[regR2]
	switch pc {
	case s.agent.eraseAll:
		for i := range s.flash {
			s.flash[i] = 0xff
		}
		s.registers[regR0] = 0
	case s.agent.erasePage:
		if mem, err := s.memory(r0, int(r1)); err == nil {
			for i := range mem {
				mem[i] = 0xff
			}
			s.registers[regR0] = 0
		} else {
			s.registers[regR0] = 2
		}
	case s.agent.write:
		if s.failWrite {
			s.registers[regR0] = 3
			break
		}
		src, err := s.memory(r1, int(r2))
		if err != nil {
			s.registers[regR0] = 2
			break
		}
		dst, err := s.memory(r0, int(r2))
		if err != nil {
			s.registers[regR0] = 2
			break
		}
		copy(dst, src)
		if s.corruptAfterWrite {
			dst[0] ^= 0xff
		}
		s.registers[regR0] = 0
	default:
		s.registers[regR0] = 0xdead
	}
	s.halted = true
}

func (s *simulatedTarget) writeWord(address, value uint32) error {
	if address == dhcsr {
		if value&0x2 != 0 || value&0x4 != 0 {
			s.halted = true
			return nil
		}
		s.halted = false
		s.execute()
		return nil
	}
	mem, err := s.memory(address, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, value)
	return nil
}

func (s *simulatedTarget) readWord(address uint32) (uint32, error) {
	if address == dhcsr {
		status := uint32(0x1)
		if s.halted {
			status |= 0x20000
		}
		return status, nil
	}
	mem, err := s.memory(address, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

func (s *simulatedTarget) Transfer(ctx context.Context, encode func(*wire.Buffer) int, decode func(*wire.Buffer) error) error {
	request := wire.NewBufferWithLimit(0)
	encode(request)
	in := wire.NewBuffer(request.Bytes())
	reply := wire.NewBufferWithLimit(0)
	count := in.GetVaruint()
	for i := uint64(0); i < count; i++ {
		kind := in.GetVaruint()
		switch int(kind) {
		case kindReadRegister:
			register := uint32(in.GetVaruint())
			reply.PutVaruint(kind)
			reply.PutVaruint(uint64(register))
			reply.PutUint32(s.registers[register])
		case kindWriteRegister:
			register := uint32(in.GetVaruint())
			s.registers[register] = in.GetUint32()
		case kindReadMemory:
			address := in.GetUint32()
			value, err := s.readWord(address)
			if err != nil {
				return err
			}
			reply.PutVaruint(kind)
			reply.PutUint32(address)
			reply.PutUint32(value)
		case kindWriteMemory:
			address := in.GetUint32()
			if err := s.writeWord(address, in.GetUint32()); err != nil {
				return err
			}
		default:
			return fmt.Errorf("simulated target: unexpected transfer type %d", kind)
		}
	}
	return decode(wire.NewBuffer(reply.Bytes()))
}

func (s *simulatedTarget) WriteMemory(ctx context.Context, address uint64, data []byte) error {
	mem, err := s.memory(uint32(address), len(data))
	if err != nil {
		return err
	}
	copy(mem, data)
	return nil
}

func (s *simulatedTarget) ReadMemory(ctx context.Context, address uint64, length int) ([]byte, error) {
	mem, err := s.memory(uint32(address), length)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), mem...), nil
}

func (s *simulatedTarget) WriteFromStorage(ctx context.Context, address, length, storageIdentifier, storageAddress uint64) error {
	if s.storage == nil {
		return errors.New("simulated target: no storage attached")
	}
	mem, err := s.memory(uint32(address), int(length))
	if err != nil {
		return err
	}
	copy(mem, s.storage.Data[storageAddress:storageAddress+length])
	return nil
}

func (s *simulatedTarget) CompareToStorage(ctx context.Context, address, length, storageIdentifier, storageAddress uint64) (uint64, error) {
	if s.storage == nil {
		return 0, errors.New("simulated target: no storage attached")
	}
	mem, err := s.memory(uint32(address), int(length))
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(mem, s.storage.Data[storageAddress:storageAddress+length]) {
		return 1, nil
	}
	return 0, nil
}

func testResident() *firmware.Image {
	return &firmware.Image{
		Address: ramBase,
		Data:    bytes.Repeat([]byte{0xbf, 0x00}, 0x80), // nops
		Heap:    firmware.Range{Address: ramBase + 0x1000, Size: 0x400},
		Stack:   firmware.Range{Address: ramBase + 0x2000, Size: 0x800},
		Functions: map[string]uint32{
			functionEraseAll:  ramBase + 0x20,
			functionErasePage: ramBase + 0x40,
			functionWrite:     ramBase + 0x60,
			functionHalt:      ramBase + 0x80,
		},
	}
}

func testTarget() *firmware.Image {
	data := make([]byte, 0x1800)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return &firmware.Image{Address: flashBase, Data: data}
}

func TestFlashOverSwd(t *testing.T) {
	resident := testResident()
	target := testTarget()
	sim := newSimulatedTarget(resident)
	f, err := New(swd.NewEngine(sim), resident, target)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := f.Setup(ctx, "fw", 1); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sim.ram[:len(resident.Data)], resident.Data) {
		t.Fatal("resident agent not loaded into RAM")
	}
	if err := f.Flash(ctx); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sim.flash[:len(target.Data)], target.Data) {
		t.Fatal("programmed flash does not match image")
	}
}

func TestFlashFromStorage(t *testing.T) {
	resident := testResident()
	target := testTarget()
	sim := newSimulatedTarget(resident)
	sim.storage = fixturetest.NewMemoryStorage(flash.Size)
	fileSystem := flash.New(sim.storage, t.Logf)
	ctx := context.Background()
	if err := fileSystem.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	f, err := New(swd.NewEngine(sim), resident, target)
	if err != nil {
		t.Fatal(err)
	}
	f.UseStorage(fileSystem, 7)
	if err := f.Setup(ctx, "fw", 42); err != nil {
		t.Fatal(err)
	}
	if fileSystem.Get("fw") == nil {
		t.Fatal("target image not cached on the fixture")
	}
	if err := f.Flash(ctx); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sim.flash[:len(target.Data)], target.Data) {
		t.Fatal("programmed flash does not match image")
	}
}

func TestWriteFailed(t *testing.T) {
	resident := testResident()
	sim := newSimulatedTarget(resident)
	sim.failWrite = true
	f, err := New(swd.NewEngine(sim), resident, testTarget())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := f.Setup(ctx, "fw", 1); err != nil {
		t.Fatal(err)
	}
	if err := f.Flash(ctx); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("err = %v, want write failed", err)
	}
}

func TestVerifyMismatch(t *testing.T) {
	resident := testResident()
	sim := newSimulatedTarget(resident)
	sim.corruptAfterWrite = true
	f, err := New(swd.NewEngine(sim), resident, testTarget())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := f.Setup(ctx, "fw", 1); err != nil {
		t.Fatal(err)
	}
	if err := f.Flash(ctx); !errors.Is(err, ErrVerifyMismatch) {
		t.Fatalf("err = %v, want verify mismatch", err)
	}
}

func TestAlignmentPreconditions(t *testing.T) {
	resident := testResident()
	sim := newSimulatedTarget(resident)
	engine := swd.NewEngine(sim)

	misalignedHeap := testResident()
	misalignedHeap.Heap.Address += 4
	if _, err := New(engine, misalignedHeap, testTarget()); err == nil {
		t.Fatal("misaligned heap accepted")
	}

	misalignedTarget := testTarget()
	misalignedTarget.Data = misalignedTarget.Data[:len(misalignedTarget.Data)-3]
	if _, err := New(engine, resident, misalignedTarget); err == nil {
		t.Fatal("misaligned firmware length accepted")
	}
}

func TestMissingAgentFunction(t *testing.T) {
	resident := testResident()
	delete(resident.Functions, functionWrite)
	sim := newSimulatedTarget(resident)
	if _, err := New(swd.NewEngine(sim), resident, testTarget()); err == nil {
		t.Fatal("resident image without a write entry point accepted")
	}
}
