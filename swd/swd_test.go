// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package swd

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/denisbohm/fireflyfixture/wire"
)

// fakePort simulates the probe firmware and a small Cortex-M target
// behind it: it parses transfer batches, applies them against a word
// memory and a register file, and synthesizes the in-order reply
// entries. Resuming the core runs the "call" instantly, so the next
// DHCSR read observes the halt.
type fakePort struct {
	memory    map[uint32]uint32
	registers map[uint32]uint32
	halted    bool
	wedged    bool // resume never halts again
	result    uint32

	// mangleRegisterEcho corrupts the echoed register selector of
	// register reads.
	mangleRegisterEcho bool
}

func newFakePort() *fakePort {
	return &fakePort{
		memory:    map[uint32]uint32{},
		registers: map[uint32]uint32{},
	}
}

func (f *fakePort) writeWord(address, value uint32) {
	if address == 0xe000edf0 {
		switch {
		case value&dhcsrControlHalt != 0:
			f.halted = true
		case value&dhcsrControlStep != 0:
			f.halted = true
		default:
			// Resume; the synthetic call completes immediately unless
			// the target is wedged.
			f.halted = false
			if !f.wedged {
				f.registers[RegR0] = f.result
				f.registers[RegPC] = f.registers[RegLR] &^ 1
				f.halted = true
			}
		}
		return
	}
	f.memory[address] = value
}

func (f *fakePort) readWord(address uint32) uint32 {
	if address == 0xe000edf0 {
		status := uint32(dhcsrControlDebugEnable)
		if f.halted {
			status |= dhcsrStatusHalt
		}
		return status
	}
	return f.memory[address]
}

func (f *fakePort) Transfer(ctx context.Context, encode func(*wire.Buffer) int, decode func(*wire.Buffer) error) error {
	request := wire.NewBufferWithLimit(0)
	encode(request)

	in := wire.NewBuffer(request.Bytes())
	reply := wire.NewBufferWithLimit(0)
	count := in.GetVaruint()
	for i := uint64(0); i < count; i++ {
		kind := in.GetVaruint()
		switch int(kind) {
		case typeReadRegister:
			register := uint32(in.GetVaruint())
			reply.PutVaruint(kind)
			echoed := register
			if f.mangleRegisterEcho {
				echoed++
			}
			reply.PutVaruint(uint64(echoed))
			reply.PutUint32(f.registers[register])
		case typeWriteRegister:
			register := uint32(in.GetVaruint())
			f.registers[register] = in.GetUint32()
		case typeReadMemory:
			address := in.GetUint32()
			reply.PutVaruint(kind)
			reply.PutUint32(address)
			reply.PutUint32(f.readWord(address))
		case typeWriteMemory:
			address := in.GetUint32()
			f.writeWord(address, in.GetUint32())
		case typeReadPort:
			port := in.GetUint8()
			register := in.GetUint8()
			reply.PutVaruint(kind)
			reply.PutUint8(port)
			reply.PutUint8(register)
			reply.PutUint32(0x2ba01477)
		case typeWritePort:
			in.GetUint8()
			in.GetUint8()
			in.GetUint32()
		case typeSelectAndReadAccessPort:
			register := in.GetUint8()
			reply.PutVaruint(kind)
			reply.PutUint8(register)
			reply.PutUint32(0)
		case typeSelectAndWriteAccessPort:
			in.GetUint8()
			in.GetUint32()
		case typeReadData:
			address := in.GetUint32()
			length := int(in.GetVaruint())
			reply.PutVaruint(kind)
			reply.PutUint32(address)
			data := make([]byte, length)
			for offset := 0; offset < length; offset += 4 {
				var word [4]byte
				binary.LittleEndian.PutUint32(word[:], f.memory[address+uint32(offset)])
				copy(data[offset:], word[:])
			}
			reply.PutBytes(data)
		case typeWriteData:
			address := in.GetUint32()
			data := in.GetBytes(int(in.GetVaruint()))
			for offset := 0; offset+4 <= len(data); offset += 4 {
				f.memory[address+uint32(offset)] = binary.LittleEndian.Uint32(data[offset:])
			}
		default:
			return errors.New("fake: unknown transfer type")
		}
	}
	if in.Flags() != 0 {
		return errors.New("fake: malformed request")
	}
	return decode(wire.NewBuffer(reply.Bytes()))
}

func (f *fakePort) WriteMemory(ctx context.Context, address uint64, data []byte) error {
	for offset := 0; offset+4 <= len(data); offset += 4 {
		f.memory[uint32(address)+uint32(offset)] = binary.LittleEndian.Uint32(data[offset:])
	}
	return nil
}

func (f *fakePort) ReadMemory(ctx context.Context, address uint64, length int) ([]byte, error) {
	data := make([]byte, length)
	for offset := 0; offset+4 <= length; offset += 4 {
		binary.LittleEndian.PutUint32(data[offset:], f.memory[uint32(address)+uint32(offset)])
	}
	return data, nil
}

func (f *fakePort) WriteFromStorage(ctx context.Context, address, length, storageIdentifier, storageAddress uint64) error {
	return errors.New("fake: no storage attached")
}

func (f *fakePort) CompareToStorage(ctx context.Context, address, length, storageIdentifier, storageAddress uint64) (uint64, error) {
	return 0, errors.New("fake: no storage attached")
}

func TestTransferWriteThenReadRegister(t *testing.T) {
	e := NewEngine(newFakePort())
	write := WriteRegister(RegPC, 0x20001234)
	read := ReadRegister(RegPC)
	if err := e.Transfer(context.Background(), write, read); err != nil {
		t.Fatal(err)
	}
	if read.Data != 0x20001234 {
		t.Fatalf("pc = %#x, want %#x", read.Data, 0x20001234)
	}
}

func TestTransferEchoMismatch(t *testing.T) {
	port := newFakePort()
	port.mangleRegisterEcho = true
	e := NewEngine(port)
	if err := e.Transfer(context.Background(), ReadRegister(RegR0)); !errors.Is(err, ErrTransferMismatch) {
		t.Fatalf("err = %v, want transfer mismatch", err)
	}
}

func TestTransferDataRoundTrip(t *testing.T) {
	e := NewEngine(newFakePort())
	payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04}
	if err := e.WriteData(context.Background(), 0x20000000, payload); err != nil {
		t.Fatal(err)
	}
	got, err := e.ReadData(context.Background(), 0x20000000, len(payload))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %x, want %x", got, payload)
	}
}

func TestHaltRunStatus(t *testing.T) {
	port := newFakePort()
	port.wedged = true
	r := NewRpc(NewEngine(port), 0x20008000, 0x20000100)
	ctx := context.Background()
	if err := r.Halt(ctx); err != nil {
		t.Fatal(err)
	}
	if halted, err := r.IsHalted(ctx); err != nil || !halted {
		t.Fatalf("halted = %t, %v; want true", halted, err)
	}
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if halted, err := r.IsHalted(ctx); err != nil || halted {
		t.Fatalf("halted = %t, %v; want false", halted, err)
	}
}

func TestCall(t *testing.T) {
	port := newFakePort()
	port.result = 0
	r := NewRpc(NewEngine(port), 0x20008000, 0x20000100)
	result, err := r.Call(context.Background(), 0x20000200, 1, 2, 3, 4, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if result != 0 {
		t.Fatalf("result = %d, want 0", result)
	}
	// The argument registers and the synthetic frame must have been
	// loaded before the resume, with the Thumb bit forced on LR. The fake
	// overwrites r0 and PC when the call returns, so those two are not
	// checked here.
	for register, want := range map[uint32]uint32{
		RegR1: 2,
		RegR2: 3,
		RegR3: 4,
		RegSP: 0x20008000,
		RegLR: 0x20000100 | 1,
	} {
		if got := port.registers[register]; got != want {
			t.Errorf("register %d = %#x, want %#x", register, got, want)
		}
	}
}

func TestCallStatus(t *testing.T) {
	port := newFakePort()
	port.result = 0x17
	r := NewRpc(NewEngine(port), 0x20008000, 0x20000100)
	result, err := r.Call(context.Background(), 0x20000200, 0, 0, 0, 0, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if result != 0x17 {
		t.Fatalf("result = %#x, want 0x17", result)
	}
}

func TestCallTimeout(t *testing.T) {
	port := newFakePort()
	port.wedged = true
	r := NewRpc(NewEngine(port), 0x20008000, 0x20000100)
	_, err := r.Call(context.Background(), 0x20000200, 0, 0, 0, 0, 10*time.Millisecond)
	if !errors.Is(err, ErrRpcTimeout) {
		t.Fatalf("err = %v, want rpc timeout", err)
	}
	if !strings.Contains(err.Error(), "dhcsr=") {
		t.Fatalf("timeout error carries no core dump: %v", err)
	}
}

func TestCallCancelled(t *testing.T) {
	port := newFakePort()
	port.wedged = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRpc(NewEngine(port), 0x20008000, 0x20000100)
	if _, err := r.Call(ctx, 0x20000200, 0, 0, 0, 0, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
