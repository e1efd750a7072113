// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package fixturetest implements fakes for testing against a fixture
// without hardware attached: a scripted HID transport replaying exact
// reports, and an in-memory storage chip.
package fixturetest

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/denisbohm/fireflyfixture/hid"
)

// IO is one scripted exchange: the OUT reports a bus operation is
// expected to write, then the IN reports the device answers with. A nil
// R means the operation expects no reply.
type IO struct {
	W []hid.Report
	R []hid.Report
}

// Playback implements hid.Transport by replaying Ops in order. Every
// written report is compared byte-for-byte against the script; a
// mismatch or an exhausted script fails the exchange. Close errors if
// the script was not fully consumed.
type Playback struct {
	Ops []IO

	// DontPanic downgrades script violations to errors. Tests normally
	// leave it false so a diff points straight at the failing exchange.
	DontPanic bool

	index     int
	writeLeft int
	readNext  int
}

func (p *Playback) fail(format string, args ...interface{}) error {
	if p.DontPanic {
		return fmt.Errorf(format, args...)
	}
	panic(fmt.Sprintf(format, args...))
}

// WriteReport consumes the next expected OUT report of the current op.
func (p *Playback) WriteReport(reportID byte, report hid.Report) error {
	if reportID != hid.OutReportID {
		return p.fail("fixturetest: unexpected report id %#x", reportID)
	}
	if p.index >= len(p.Ops) {
		return p.fail("fixturetest: unexpected write, script exhausted")
	}
	op := p.Ops[p.index]
	if p.writeLeft >= len(op.W) {
		return p.fail("fixturetest: unexpected extra write in op %d", p.index)
	}
	if want := op.W[p.writeLeft]; !bytes.Equal(report[:], want[:]) {
		return p.fail("fixturetest: op %d write %d:\ngot  %x\nwant %x", p.index, p.writeLeft, report[:], want[:])
	}
	p.writeLeft++
	if p.writeLeft == len(op.W) && len(op.R) == 0 {
		p.advance()
	}
	return nil
}

// ReadReport produces the next scripted IN report of the current op.
func (p *Playback) ReadReport() (hid.Report, error) {
	if p.index >= len(p.Ops) {
		return hid.Report{}, p.fail("fixturetest: unexpected read, script exhausted")
	}
	op := p.Ops[p.index]
	if p.writeLeft < len(op.W) {
		return hid.Report{}, p.fail("fixturetest: op %d read before %d writes completed", p.index, len(op.W)-p.writeLeft)
	}
	if p.readNext >= len(op.R) {
		return hid.Report{}, p.fail("fixturetest: op %d has no report %d to read", p.index, p.readNext)
	}
	report := op.R[p.readNext]
	p.readNext++
	if p.readNext == len(op.R) {
		p.advance()
	}
	return report, nil
}

func (p *Playback) advance() {
	p.index++
	p.writeLeft = 0
	p.readNext = 0
}

// Close errors if scripted exchanges remain unconsumed.
func (p *Playback) Close() error {
	if p.index < len(p.Ops) {
		return fmt.Errorf("fixturetest: %d scripted ops left unconsumed", len(p.Ops)-p.index)
	}
	return nil
}

// MemoryStorage simulates the fixture's storage chip as a byte slice
// with flash erase semantics: Erase sets the range to the blank value,
// Write programs bytes, Hash digests on "device". It satisfies the
// flash package's Storage interface.
type MemoryStorage struct {
	Data []byte

	// EraseCount and WriteCount let tests assert which operations
	// actually touched the chip.
	EraseCount int
	WriteCount int
}

// Blank is the erased state of every flash byte.
const Blank = 0xff

// NewMemoryStorage returns a fully erased chip of size bytes.
func NewMemoryStorage(size int) *MemoryStorage {
	data := make([]byte, size)
	for i := range data {
		data[i] = Blank
	}
	return &MemoryStorage{Data: data}
}

func (m *MemoryStorage) bounds(address, length uint64) error {
	if address+length > uint64(len(m.Data)) {
		return fmt.Errorf("fixturetest: access [%#x,%#x) outside chip of %#x bytes: %w", address, address+length, len(m.Data), io.ErrShortBuffer)
	}
	return nil
}

// Erase blanks length bytes at address.
func (m *MemoryStorage) Erase(ctx context.Context, address, length uint64) error {
	if err := m.bounds(address, length); err != nil {
		return err
	}
	for i := address; i < address+length; i++ {
		m.Data[i] = Blank
	}
	m.EraseCount++
	return nil
}

// Write programs data at address.
func (m *MemoryStorage) Write(ctx context.Context, address uint64, data []byte) error {
	if err := m.bounds(address, uint64(len(data))); err != nil {
		return err
	}
	copy(m.Data[address:], data)
	m.WriteCount++
	return nil
}

// Read returns length bytes. A nonzero sublength/substride strides
// through the chip reading sublength bytes every substride, packing the
// samples contiguously, the way the real firmware serves the fast
// sector-marker scan.
func (m *MemoryStorage) Read(ctx context.Context, address uint64, length int, sublength, substride uint64) ([]byte, error) {
	if sublength == 0 || substride == 0 {
		if err := m.bounds(address, uint64(length)); err != nil {
			return nil, err
		}
		return append([]byte(nil), m.Data[address:address+uint64(length)]...), nil
	}
	data := make([]byte, 0, length)
	for uint64(len(data)) < uint64(length) {
		take := sublength
		if uint64(length)-uint64(len(data)) < take {
			take = uint64(length) - uint64(len(data))
		}
		if err := m.bounds(address, take); err != nil {
			return nil, err
		}
		data = append(data, m.Data[address:address+take]...)
		address += substride
	}
	return data, nil
}

// Hash returns the SHA-1 digest of length bytes at address.
func (m *MemoryStorage) Hash(ctx context.Context, address, length uint64) ([sha1.Size]byte, error) {
	if err := m.bounds(address, length); err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(m.Data[address : address+length]), nil
}
