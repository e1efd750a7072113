// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package flasher programs firmware into a target's flash: it loads a
// resident flasher agent into the target's RAM over SWD, stages firmware
// chunks into the agent's heap, and drives the agent's erase and write
// entry points through synthetic calls until the whole image is
// programmed and verified.
package flasher

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/denisbohm/fireflyfixture/firmware"
	"github.com/denisbohm/fireflyfixture/flash"
	"github.com/denisbohm/fireflyfixture/swd"
)

// Entry points the resident flasher agent must export. The agent's
// return register carries a status, 0 for success. The halt sentinel is
// installed as every call's return address so the core re-enters debug
// halt when the agent returns.
const (
	functionEraseAll  = "flasher_erase_all"
	functionErasePage = "flasher_erase_page"
	functionWrite     = "flasher_write"
	functionHalt      = "flasher_halt"
)

// ErrorKind enumerates programming failures.
type ErrorKind int

const (
	// EraseFailed means an erase call returned a nonzero status.
	EraseFailed ErrorKind = iota
	// WriteFailed means a write call returned a nonzero status.
	WriteFailed
	// VerifyMismatch means the programmed flash does not match the
	// image.
	VerifyMismatch
)

// Error is a structured programming failure.
type Error struct {
	Kind ErrorKind
	Code uint32
}

func (e *Error) Error() string {
	switch e.Kind {
	case EraseFailed:
		return fmt.Sprintf("flasher: erase failed: code=%d", e.Code)
	case WriteFailed:
		return fmt.Sprintf("flasher: write failed: code=%d", e.Code)
	default:
		return "flasher: verify mismatch"
	}
}

func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind && other.Code == 0
}

// Sentinel values for errors.Is checks.
var (
	ErrEraseFailed    = &Error{Kind: EraseFailed}
	ErrWriteFailed    = &Error{Kind: WriteFailed}
	ErrVerifyMismatch = &Error{Kind: VerifyMismatch}
)

// Flasher orchestrates one programming run. The resident agent image and
// the target firmware image are fixed at construction; storage staging
// is optional and configured with UseStorage.
type Flasher struct {
	engine   *swd.Engine
	rpc      *swd.Rpc
	resident *firmware.Image
	target   *firmware.Image

	eraseAll  uint32
	erasePage uint32
	write     uint32

	fileSystem        *flash.FileSystem
	storageIdentifier uint64
	entry             *flash.Entry

	// Timeout bounds each agent call. EraseAll of a large part can need
	// more than the default; raise it before calling Flash.
	Timeout time.Duration
}

// New validates the images and prepares a programming run. The resident
// image's heap is the staging buffer and must be 8-byte aligned in both
// address and size, as must the target image's length; the agent's copy
// loop moves doublewords.
func New(engine *swd.Engine, resident, target *firmware.Image) (*Flasher, error) {
	if resident.Heap.Address%8 != 0 || resident.Heap.Size%8 != 0 {
		return nil, fmt.Errorf("flasher: heap %#x+%#x is not 8-byte aligned", resident.Heap.Address, resident.Heap.Size)
	}
	if len(target.Data)%8 != 0 {
		return nil, fmt.Errorf("flasher: firmware length %#x is not 8-byte aligned", len(target.Data))
	}
	halt, err := resident.Function(functionHalt)
	if err != nil {
		return nil, err
	}
	eraseAll, err := resident.Function(functionEraseAll)
	if err != nil {
		return nil, err
	}
	erasePage, err := resident.Function(functionErasePage)
	if err != nil {
		return nil, err
	}
	write, err := resident.Function(functionWrite)
	if err != nil {
		return nil, err
	}
	return &Flasher{
		engine:    engine,
		rpc:       swd.NewRpc(engine, resident.Stack.End(), halt),
		resident:  resident,
		target:    target,
		eraseAll:  eraseAll,
		erasePage: erasePage,
		write:     write,
		Timeout:   swd.DefaultCallTimeout,
	}, nil
}

// Rpc returns the call mechanism, for scripts that need extra agent
// entry points.
func (f *Flasher) Rpc() *swd.Rpc {
	return f.rpc
}

// UseStorage stages firmware chunks out of the fixture's flash store
// instead of streaming them over USB for every board. Setup caches the
// target image in the store under name.
func (f *Flasher) UseStorage(fileSystem *flash.FileSystem, storageIdentifier uint64) {
	f.fileSystem = fileSystem
	f.storageIdentifier = storageIdentifier
}

// Setup loads the resident agent into the target's RAM and, when a
// store is attached, caches the target image on the fixture.
func (f *Flasher) Setup(ctx context.Context, name string, date uint32) error {
	if err := f.engine.WriteMemory(ctx, f.resident.Address, f.resident.Data); err != nil {
		return err
	}
	if f.fileSystem != nil {
		entry, err := f.fileSystem.Ensure(ctx, name, f.target.Data, date)
		if err != nil {
			return err
		}
		f.entry = entry
	}
	return nil
}

// EraseAll erases the target's whole user flash.
func (f *Flasher) EraseAll(ctx context.Context) error {
	code, err := f.rpc.Call(ctx, f.eraseAll, 0, 0, 0, 0, f.Timeout)
	if err != nil {
		return err
	}
	if code != 0 {
		return &Error{Kind: EraseFailed, Code: code}
	}
	return nil
}

// ErasePage erases size bytes of target flash at address.
func (f *Flasher) ErasePage(ctx context.Context, address, size uint32) error {
	code, err := f.rpc.Call(ctx, f.erasePage, address, size, 0, 0, f.Timeout)
	if err != nil {
		return err
	}
	if code != 0 {
		return &Error{Kind: EraseFailed, Code: code}
	}
	return nil
}

// transferToRAM stages count bytes of the target image, starting at
// offset, into the agent's heap: out of the fixture's store when one is
// attached, straight over SWD otherwise.
func (f *Flasher) transferToRAM(ctx context.Context, offset, count int) error {
	if f.entry != nil {
		return f.engine.WriteFromStorage(ctx, f.resident.Heap.Address, count, f.storageIdentifier, uint32(f.entry.Address)+uint32(offset))
	}
	return f.engine.WriteMemory(ctx, f.resident.Heap.Address, f.target.Data[offset:offset+count])
}

// Program writes the target image into flash, one heap-sized chunk per
// agent call.
func (f *Flasher) Program(ctx context.Context) error {
	chunk := int(f.resident.Heap.Size)
	for offset := 0; offset < len(f.target.Data); offset += chunk {
		count := len(f.target.Data) - offset
		if count > chunk {
			count = chunk
		}
		if err := f.transferToRAM(ctx, offset, count); err != nil {
			return err
		}
		code, err := f.rpc.Call(ctx, f.write, f.target.Address+uint32(offset), f.resident.Heap.Address, uint32(count), 0, f.Timeout)
		if err != nil {
			return err
		}
		if code != 0 {
			return &Error{Kind: WriteFailed, Code: code}
		}
	}
	return nil
}

// Verify checks the programmed flash against the image: compared
// on-fixture against the store when one is attached, read back over SWD
// otherwise.
func (f *Flasher) Verify(ctx context.Context) error {
	if f.entry != nil {
		code, err := f.engine.CompareToStorage(ctx, f.target.Address, len(f.target.Data), f.storageIdentifier, uint32(f.entry.Address))
		if err != nil {
			return err
		}
		if code != 0 {
			return &Error{Kind: VerifyMismatch}
		}
		return nil
	}
	data, err := f.engine.ReadMemory(ctx, f.target.Address, len(f.target.Data))
	if err != nil {
		return err
	}
	if !bytes.Equal(data, f.target.Data) {
		return &Error{Kind: VerifyMismatch}
	}
	return nil
}

// Flash is the whole run: erase, program, verify.
func (f *Flasher) Flash(ctx context.Context) error {
	if err := f.EraseAll(ctx); err != nil {
		return err
	}
	if err := f.Program(ctx); err != nil {
		return err
	}
	return f.Verify(ctx)
}
