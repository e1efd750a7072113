// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package detour reconstructs a variable-length message out of a sequence
// of fixed-size HID reports carrying a monotonic sequence number and a
// length prefix.
package detour

import (
	"fmt"

	"github.com/denisbohm/fireflyfixture/wire"
)

// State is one of the reassembler's three states.
type State int

const (
	// Clear is the initial/idle state, with no message in progress.
	Clear State = iota
	// Intermediate means a start report was seen and more follow-up
	// reports are expected.
	Intermediate
	// Success means the declared length has been reached; Buffer holds
	// the fully reassembled message.
	Success
)

func (s State) String() string {
	switch s {
	case Clear:
		return "clear"
	case Intermediate:
		return "intermediate"
	case Success:
		return "success"
	default:
		return "unknown"
	}
}

// Error is a sequencing failure raised while reassembling a message.
type Error struct {
	Kind string
}

func (e *Error) Error() string {
	return fmt.Sprintf("detour: %s", e.Kind)
}

// ErrUnexpectedStart and ErrOutOfSequence are sentinel TransportError
// values, matched with errors.Is.
var (
	ErrUnexpectedStart = &Error{Kind: "unexpected start"}
	ErrOutOfSequence   = &Error{Kind: "out of sequence"}
)

func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

// Detour is the reassembly state machine: a report whose inner sequence
// number is 0 while our own sequence is 0 is a
// start report (it carries a varuint length prefix followed by body);
// otherwise it must equal our expected sequence, advancing it by one per
// follow-up report. Excess trailing padding beyond the declared length is
// silently dropped.
type Detour struct {
	state    State
	length   int
	buffer   []byte
	sequence uint64
}

// New returns a Detour ready to accept the first report of a message.
func New() *Detour {
	return &Detour{}
}

// State returns the current reassembly state.
func (d *Detour) State() State {
	return d.state
}

// Buffer returns the reassembled message once State() == Success.
func (d *Detour) Buffer() []byte {
	return d.buffer
}

// Clear resets the reassembler to accept a fresh message.
func (d *Detour) Clear() {
	d.state = Clear
	d.length = 0
	d.buffer = nil
	d.sequence = 0
}

// Feed consumes one inbound report in full (hid.Report's 64 raw bytes,
// leading sequence byte included): the sequence number is itself the
// report's first varuint, which is why report writers can get away with
// stamping it as a single raw byte only while it stays under 128. It
// returns an error if the sequence number violates the expected
// start/continuation ordering.
func (d *Detour) Feed(report []byte) error {
	b := wire.NewBuffer(report)
	seq := b.GetVaruint()
	if seq == 0 {
		if d.sequence != 0 {
			return ErrUnexpectedStart
		}
		d.start(b.RemainingBytes())
		return nil
	}
	if seq != d.sequence {
		return ErrOutOfSequence
	}
	d.extend(b.RemainingBytes())
	return nil
}

func (d *Detour) start(data []byte) {
	b := wire.NewBuffer(data)
	d.state = Intermediate
	d.length = int(b.GetVaruint())
	d.sequence = 0
	d.buffer = nil
	d.extend(b.RemainingBytes())
}

func (d *Detour) extend(data []byte) {
	total := len(d.buffer) + len(data)
	if total <= d.length {
		d.buffer = append(d.buffer, data...)
	} else {
		take := d.length - len(d.buffer)
		if take > 0 {
			d.buffer = append(d.buffer, data[:take]...)
		}
	}
	if len(d.buffer) >= d.length {
		d.state = Success
	} else {
		d.sequence++
	}
}
