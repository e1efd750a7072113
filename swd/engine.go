// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package swd

import (
	"context"
	"fmt"

	"github.com/denisbohm/fireflyfixture/wire"
)

// Port is the slice of the SerialWire instrument the engine needs: the
// batched transfer api plus the firmware-side bulk memory and storage
// staging apis. *instrument.SerialWire satisfies it.
type Port interface {
	Transfer(ctx context.Context, encode func(*wire.Buffer) int, decode func(*wire.Buffer) error) error
	WriteMemory(ctx context.Context, address uint64, data []byte) error
	ReadMemory(ctx context.Context, address uint64, length int) ([]byte, error)
	WriteFromStorage(ctx context.Context, address, length, storageIdentifier, storageAddress uint64) error
	CompareToStorage(ctx context.Context, address, length, storageIdentifier, storageAddress uint64) (uint64, error)
}

// Engine batches SWD transfers into single round trips over a Port and
// decodes the in-order replies back into each Transfer.
type Engine struct {
	port Port
}

// NewEngine wraps a SerialWire port.
func NewEngine(port Port) *Engine {
	return &Engine{port: port}
}

// Transfer sends transfers in one round trip. On return every read
// variant's Data (or Bytes) holds its reply payload. Replies arrive in
// request order; any echoed selector field that does not match its
// request is a TransferMismatch.
func (e *Engine) Transfer(ctx context.Context, transfers ...*Transfer) error {
	encode := func(b *wire.Buffer) int {
		responses := 0
		b.PutVaruint(uint64(len(transfers)))
		for _, t := range transfers {
			t.encode(b)
			if t.isRead() {
				responses++
			}
		}
		return responses
	}
	decode := func(b *wire.Buffer) error {
		for _, t := range transfers {
			if err := t.decode(b); err != nil {
				return err
			}
		}
		return nil
	}
	return e.port.Transfer(ctx, encode, decode)
}

// ReadPort reads one debug or access port register.
func (e *Engine) ReadPort(ctx context.Context, port, register uint8) (uint32, error) {
	t := ReadPort(port, register)
	if err := e.Transfer(ctx, t); err != nil {
		return 0, err
	}
	return t.Data, nil
}

// WritePort writes one debug or access port register.
func (e *Engine) WritePort(ctx context.Context, port, register uint8, data uint32) error {
	return e.Transfer(ctx, WritePort(port, register, data))
}

// SelectAndReadAccessPort selects the configured AP and reads a register.
func (e *Engine) SelectAndReadAccessPort(ctx context.Context, register uint8) (uint32, error) {
	t := SelectAndReadAccessPort(register)
	if err := e.Transfer(ctx, t); err != nil {
		return 0, err
	}
	return t.Data, nil
}

// SelectAndWriteAccessPort selects the configured AP and writes a
// register.
func (e *Engine) SelectAndWriteAccessPort(ctx context.Context, register uint8, data uint32) error {
	return e.Transfer(ctx, SelectAndWriteAccessPort(register, data))
}

// ReadRegister reads one core register.
func (e *Engine) ReadRegister(ctx context.Context, register uint32) (uint32, error) {
	t := ReadRegister(register)
	if err := e.Transfer(ctx, t); err != nil {
		return 0, err
	}
	return t.Data, nil
}

// WriteRegister writes one core register.
func (e *Engine) WriteRegister(ctx context.Context, register, data uint32) error {
	return e.Transfer(ctx, WriteRegister(register, data))
}

// ReadMemoryUint32 reads one aligned word of target memory.
func (e *Engine) ReadMemoryUint32(ctx context.Context, address uint32) (uint32, error) {
	t := ReadMemoryWord(address)
	if err := e.Transfer(ctx, t); err != nil {
		return 0, err
	}
	return t.Data, nil
}

// WriteMemoryUint32 writes one aligned word of target memory.
func (e *Engine) WriteMemoryUint32(ctx context.Context, address, data uint32) error {
	return e.Transfer(ctx, WriteMemoryWord(address, data))
}

// ReadData reads length bytes of target memory in one batch entry.
func (e *Engine) ReadData(ctx context.Context, address uint32, length int) ([]byte, error) {
	t := ReadData(address, length)
	if err := e.Transfer(ctx, t); err != nil {
		return nil, err
	}
	return t.Bytes, nil
}

// WriteData writes data into target memory in one batch entry.
func (e *Engine) WriteData(ctx context.Context, address uint32, data []byte) error {
	return e.Transfer(ctx, WriteData(address, data))
}

// WriteMemory bulk-writes data into target memory, chunked by the
// firmware's per-message transfer cap.
func (e *Engine) WriteMemory(ctx context.Context, address uint32, data []byte) error {
	return e.port.WriteMemory(ctx, uint64(address), data)
}

// ReadMemory bulk-reads length bytes of target memory.
func (e *Engine) ReadMemory(ctx context.Context, address uint32, length int) ([]byte, error) {
	return e.port.ReadMemory(ctx, uint64(address), length)
}

// WriteFromStorage streams length bytes from the fixture's flash at
// storageAddress into target memory at address without crossing USB.
func (e *Engine) WriteFromStorage(ctx context.Context, address uint32, length int, storageIdentifier uint64, storageAddress uint32) error {
	return e.port.WriteFromStorage(ctx, uint64(address), uint64(length), storageIdentifier, uint64(storageAddress))
}

// CompareToStorage compares length bytes of target memory at address
// against the fixture's flash at storageAddress; 0 means identical.
func (e *Engine) CompareToStorage(ctx context.Context, address uint32, length int, storageIdentifier uint64, storageAddress uint32) (uint64, error) {
	return e.port.CompareToStorage(ctx, uint64(address), uint64(length), storageIdentifier, uint64(storageAddress))
}

// ErrorKind enumerates the engine's failure classes.
type ErrorKind int

const (
	// TransferMismatch means a reply's echoed selector fields did not
	// match the request that produced it.
	TransferMismatch ErrorKind = iota
	// NotHalted means the core was expected to be in debug halt and was
	// not.
	NotHalted
	// RpcTimeout means a synthetic call did not return to halt before
	// its deadline; Detail carries the core state dump.
	RpcTimeout
)

// Error is a structured SWD failure.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	switch e.Kind {
	case NotHalted:
		return fmt.Sprintf("swd: core not halted: %s", e.Detail)
	case RpcTimeout:
		return fmt.Sprintf("swd: call timed out: %s", e.Detail)
	default:
		return fmt.Sprintf("swd: transfer mismatch: %s", e.Detail)
	}
}

func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind && other.Detail == ""
}

// Sentinel values for errors.Is checks.
var (
	ErrTransferMismatch = &Error{Kind: TransferMismatch}
	ErrNotHalted        = &Error{Kind: NotHalted}
	ErrRpcTimeout       = &Error{Kind: RpcTimeout}
)
