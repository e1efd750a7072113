// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package hid wraps the raw USB HID report channel the fixture is attached
// over: a narrow blocking read/write-report interface with no framing or
// retry logic of its own.
package hid

import "fmt"

// ReportSize is the fixed HID report payload length: one sequence byte
// followed by 63 payload bytes.
const ReportSize = 64

// PayloadSize is the usable payload per report once the sequence byte is
// removed.
const PayloadSize = ReportSize - 1

// OutReportID is the report id stamped on every OUT report this module
// writes.
const OutReportID = 0x81

// VendorID and ProductID identify the fixture's USB HID interface.
const (
	VendorID  = 0x0483
	ProductID = 0x5710
)

// Report is one fixed 64-byte HID report: a 1-byte sequence number
// followed by 63 payload bytes.
type Report [ReportSize]byte

// Sequence returns the report's leading sequence byte.
func (r Report) Sequence() byte {
	return r[0]
}

// Payload returns the 63 payload bytes following the sequence byte.
func (r Report) Payload() []byte {
	return r[1:]
}

// NewOutReport builds an outbound report: sequence byte, up to 63 bytes of
// chunk data, zero-padded to ReportSize.
func NewOutReport(sequence byte, chunk []byte) Report {
	if len(chunk) > PayloadSize {
		panic("hid: chunk exceeds payload size")
	}
	var r Report
	r[0] = sequence
	copy(r[1:], chunk)
	return r
}

// Transport is a blocking, single-report-at-a-time byte-report channel.
// Exactly-one-at-a-time access is guaranteed by the caller's single-
// threaded execution model; Transport implementations add no locking of
// their own.
//
// No timeouts are applied at this layer; callers that need a deadline wrap
// ReadReport with their own context cancellation.
type Transport interface {
	// WriteReport sends one 64-byte OUT report carrying reportID.
	WriteReport(reportID byte, report Report) error
	// ReadReport blocks until one inbound 64-byte report arrives.
	ReadReport() (Report, error)
	// Close releases the underlying device handle.
	Close() error
}

// Error is a structured transport-layer failure, distinct from the bus's
// protocol errors and the codec's parse flags.
type Error struct {
	Kind Kind
	Err  error
}

// Kind enumerates TransportError variants.
type Kind int

const (
	// HidFailure wraps an error from the underlying platform HID stack.
	HidFailure Kind = iota
	// Timeout indicates a read or write exceeded its deadline.
	Timeout
)

func (e *Error) Error() string {
	switch e.Kind {
	case Timeout:
		return fmt.Sprintf("hid: timeout: %v", e.Err)
	default:
		return fmt.Sprintf("hid: device failure: %v", e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}
