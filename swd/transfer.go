// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package swd drives a Cortex-M target over the fixture's Serial Wire
// Debug probe: batched DP/AP/register/memory transfers, debug halt and
// run control, and synthetic function calls into resident firmware.
package swd

import (
	"fmt"

	"github.com/denisbohm/fireflyfixture/wire"
)

// Transfer discriminants. Stable wire values.
const (
	typeReadRegister = iota
	typeWriteRegister
	typeReadMemory
	typeWriteMemory
	typeReadPort
	typeWritePort
	typeSelectAndReadAccessPort
	typeSelectAndWriteAccessPort
	typeReadData
	typeWriteData
)

// Debug port selectors for ReadPort/WritePort.
const (
	PortDebug  = 0
	PortAccess = 1
)

// Transfer is one tagged entry of a batch: a DP/AP port access, a core
// register access, a memory word access, or a bulk data access. Build one
// with the constructor matching the variant; after Engine.Transfer
// returns, Data (or Bytes for ReadData) holds the reply payload of read
// variants.
type Transfer struct {
	kind     int
	port     uint8
	register uint32
	address  uint32
	length   int

	// Data holds the 32-bit payload of a read variant after the batch
	// completes, or the value to write for write variants.
	Data uint32
	// Bytes holds ReadData's reply payload, or WriteData's outgoing
	// payload.
	Bytes []byte
}

// ReadPort reads a debug or access port register.
func ReadPort(port, register uint8) *Transfer {
	return &Transfer{kind: typeReadPort, port: port, register: uint32(register)}
}

// WritePort writes a debug or access port register.
func WritePort(port, register uint8, data uint32) *Transfer {
	return &Transfer{kind: typeWritePort, port: port, register: uint32(register), Data: data}
}

// SelectAndReadAccessPort selects the probe's configured access port and
// reads one of its registers.
func SelectAndReadAccessPort(register uint8) *Transfer {
	return &Transfer{kind: typeSelectAndReadAccessPort, register: uint32(register)}
}

// SelectAndWriteAccessPort selects the probe's configured access port and
// writes one of its registers.
func SelectAndWriteAccessPort(register uint8, data uint32) *Transfer {
	return &Transfer{kind: typeSelectAndWriteAccessPort, register: uint32(register), Data: data}
}

// ReadRegister reads a core register by its DCRSR selector.
func ReadRegister(register uint32) *Transfer {
	return &Transfer{kind: typeReadRegister, register: register}
}

// WriteRegister writes a core register by its DCRSR selector.
func WriteRegister(register uint32, data uint32) *Transfer {
	return &Transfer{kind: typeWriteRegister, register: register, Data: data}
}

// ReadMemoryWord reads one aligned 32-bit word of target memory.
func ReadMemoryWord(address uint32) *Transfer {
	return &Transfer{kind: typeReadMemory, address: address}
}

// WriteMemoryWord writes one aligned 32-bit word of target memory.
func WriteMemoryWord(address uint32, data uint32) *Transfer {
	return &Transfer{kind: typeWriteMemory, address: address, Data: data}
}

// ReadData reads length bytes of target memory.
func ReadData(address uint32, length int) *Transfer {
	return &Transfer{kind: typeReadData, address: address, length: length}
}

// WriteData writes data into target memory.
func WriteData(address uint32, data []byte) *Transfer {
	return &Transfer{kind: typeWriteData, address: address, Bytes: data}
}

// isRead reports whether this variant produces a reply entry.
func (t *Transfer) isRead() bool {
	switch t.kind {
	case typeReadPort, typeSelectAndReadAccessPort, typeReadRegister, typeReadMemory, typeReadData:
		return true
	}
	return false
}

// encode appends this transfer's request encoding to b.
func (t *Transfer) encode(b *wire.Buffer) {
	b.PutVaruint(uint64(t.kind))
	switch t.kind {
	case typeReadPort:
		b.PutUint8(t.port)
		b.PutUint8(uint8(t.register))
	case typeWritePort:
		b.PutUint8(t.port)
		b.PutUint8(uint8(t.register))
		b.PutUint32(t.Data)
	case typeSelectAndReadAccessPort:
		b.PutUint8(uint8(t.register))
	case typeSelectAndWriteAccessPort:
		b.PutUint8(uint8(t.register))
		b.PutUint32(t.Data)
	case typeReadRegister:
		b.PutVaruint(uint64(t.register))
	case typeWriteRegister:
		b.PutVaruint(uint64(t.register))
		b.PutUint32(t.Data)
	case typeReadMemory:
		b.PutUint32(t.address)
	case typeWriteMemory:
		b.PutUint32(t.address)
		b.PutUint32(t.Data)
	case typeReadData:
		b.PutUint32(t.address)
		b.PutVaruint(uint64(t.length))
	case typeWriteData:
		b.PutUint32(t.address)
		b.PutVaruint(uint64(len(t.Bytes)))
		b.PutBytes(t.Bytes)
	}
}

// decode consumes this transfer's reply entry: the echoed discriminant,
// the echoed selector fields, then the payload. Write variants have no
// reply entry.
func (t *Transfer) decode(b *wire.Buffer) error {
	if !t.isRead() {
		return nil
	}
	if kind := b.GetVaruint(); kind != uint64(t.kind) {
		return &Error{Kind: TransferMismatch, Detail: fmt.Sprintf("reply type %d, want %d", kind, t.kind)}
	}
	switch t.kind {
	case typeReadPort:
		if port := b.GetUint8(); port != t.port {
			return &Error{Kind: TransferMismatch, Detail: fmt.Sprintf("reply port %d, want %d", port, t.port)}
		}
		if register := b.GetUint8(); uint32(register) != t.register {
			return &Error{Kind: TransferMismatch, Detail: fmt.Sprintf("reply register %d, want %d", register, t.register)}
		}
		t.Data = b.GetUint32()
	case typeSelectAndReadAccessPort:
		if register := b.GetUint8(); uint32(register) != t.register {
			return &Error{Kind: TransferMismatch, Detail: fmt.Sprintf("reply register %d, want %d", register, t.register)}
		}
		t.Data = b.GetUint32()
	case typeReadRegister:
		if register := b.GetVaruint(); uint32(register) != t.register {
			return &Error{Kind: TransferMismatch, Detail: fmt.Sprintf("reply register %d, want %d", register, t.register)}
		}
		t.Data = b.GetUint32()
	case typeReadMemory:
		if address := b.GetUint32(); address != t.address {
			return &Error{Kind: TransferMismatch, Detail: fmt.Sprintf("reply address %#x, want %#x", address, t.address)}
		}
		t.Data = b.GetUint32()
	case typeReadData:
		if address := b.GetUint32(); address != t.address {
			return &Error{Kind: TransferMismatch, Detail: fmt.Sprintf("reply address %#x, want %#x", address, t.address)}
		}
		t.Bytes = b.GetBytes(t.length)
	}
	if b.Flags() != 0 {
		return &Error{Kind: TransferMismatch, Detail: "truncated reply"}
	}
	return nil
}
