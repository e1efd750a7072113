// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package instrument multiplexes requests to the fixture's typed
// instrument facades (Relay, Indicator, Voltage, Current, Battery,
// Storage, Gpio, SerialWire) over a single USB HID link.
package instrument

import (
	"context"
	"fmt"

	"github.com/denisbohm/fireflyfixture/detour"
	"github.com/denisbohm/fireflyfixture/hid"
	"github.com/denisbohm/fireflyfixture/wire"
)

// Bus-level api ids handled by instrument id 0, the manager itself.
const (
	apiResetInstruments    = 0
	apiDiscoverInstruments = 1
	apiEcho                = 2
)

// busIdentifier is the instrument id the fixture's manager reserves for
// itself.
const busIdentifier = 0

// maxTransferLength bounds one storage transfer message, shared by the
// Storage facade's chunking loops.
const maxTransferLength = 4096

// ErrorKind enumerates protocol violations.
type ErrorKind int

const (
	// IdentifierMismatch means a reply named a different instrument
	// than the request.
	IdentifierMismatch ErrorKind = iota
	// APIMismatch means a reply named a different api than the request.
	APIMismatch
	// TransferMismatch means a transfer reply disagreed with its
	// request about how many responses it carries.
	TransferMismatch
	// StatusNonZero means the firmware reported a nonzero status code;
	// Code carries it.
	StatusNonZero
	// MalformedReply means a reply body failed to parse.
	MalformedReply
	// EchoMismatch means an echo round trip came back altered.
	EchoMismatch
)

// Error is a protocol violation: a reply that failed a consistency check
// the caller depends on.
type Error struct {
	Kind   ErrorKind
	Detail string
	Code   uint64
}

func (e *Error) Error() string {
	switch e.Kind {
	case IdentifierMismatch:
		return fmt.Sprintf("instrument: identifier mismatch: %s", e.Detail)
	case APIMismatch:
		return fmt.Sprintf("instrument: api mismatch: %s", e.Detail)
	case TransferMismatch:
		return fmt.Sprintf("instrument: transfer mismatch: %s", e.Detail)
	case StatusNonZero:
		return fmt.Sprintf("instrument: %s: code=%d", e.Detail, e.Code)
	case EchoMismatch:
		return "instrument: echo mismatch"
	default:
		return fmt.Sprintf("instrument: malformed reply: %s", e.Detail)
	}
}

func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind && other.Detail == "" && other.Code == 0
}

// Sentinel values for errors.Is checks.
var (
	ErrIdentifierMismatch = &Error{Kind: IdentifierMismatch}
	ErrAPIMismatch        = &Error{Kind: APIMismatch}
	ErrTransferMismatch   = &Error{Kind: TransferMismatch}
	ErrStatusNonZero      = &Error{Kind: StatusNonZero}
	ErrEchoMismatch       = &Error{Kind: EchoMismatch}
)

// Bus is the InstrumentBus: it owns the HID transport, frames and
// deframes Messages, and dispatches replies to the instrument that is
// waiting for them. Calls are synchronous and the bus assumes exactly one
// goroutine drives it at a time; it adds no locking of its own.
type Bus struct {
	transport hid.Transport

	instruments map[uint64]Facade
}

// Facade is implemented by every typed instrument wrapper so the Bus can
// register it after discovery.
type Facade interface {
	Identifier() uint64
	Category() string
}

// NewBus wraps an open hid.Transport.
func NewBus(transport hid.Transport) *Bus {
	return &Bus{
		transport:   transport,
		instruments: make(map[uint64]Facade),
	}
}

// Close releases the underlying transport.
func (b *Bus) Close() error {
	return b.transport.Close()
}

// Write sends a fire-and-forget instrument message (identifier, api,
// content) with no expected reply.
func (b *Bus) Write(ctx context.Context, identifier, api uint64, content []byte) error {
	packet := wire.NewBufferWithLimit(0)
	packet.PutVaruint(identifier)
	packet.PutVaruint(api)
	packet.PutVaruint(uint64(len(content)))
	packet.PutBytes(content)

	framed := wire.NewBufferWithLimit(0)
	framed.PutVaruint(uint64(packet.Len()))
	framed.PutBytes(packet.Bytes())
	data := framed.Bytes()

	sequence := byte(0)
	offset := 0
	for offset < len(data) || len(data) == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := offset + hid.PayloadSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		report := hid.NewOutReport(sequence, chunk)
		if err := b.transport.WriteReport(hid.OutReportID, report); err != nil {
			return err
		}
		sequence++
		offset = end
		if len(data) == 0 {
			break
		}
	}
	return nil
}

// message is one reassembled, deframed instrument reply or request.
type message struct {
	identifier uint64
	api        uint64
	content    []byte
}

// read blocks until one complete instrument message has been reassembled
// from inbound HID reports.
func (b *Bus) read(ctx context.Context) (message, error) {
	d := detour.New()
	for d.State() != detour.Success {
		if err := ctx.Err(); err != nil {
			return message{}, err
		}
		report, err := b.transport.ReadReport()
		if err != nil {
			return message{}, err
		}
		if err := d.Feed(report[:]); err != nil {
			return message{}, err
		}
	}
	body := wire.NewBuffer(d.Buffer())
	identifier := body.GetVaruint()
	api := body.GetVaruint()
	count := body.GetVaruint()
	content := body.GetBytes(int(count))
	if body.Flags() != 0 {
		return message{}, &Error{Kind: MalformedReply, Detail: "reply frame"}
	}
	return message{identifier: identifier, api: api, content: content}, nil
}

// Call sends an instrument message and blocks for its reply, verifying
// the reply echoes the request's instrument and api. A mismatch on
// either is fatal to the call.
func (b *Bus) Call(ctx context.Context, identifier, api uint64, content []byte) ([]byte, error) {
	if err := b.Write(ctx, identifier, api, content); err != nil {
		return nil, err
	}
	reply, err := b.read(ctx)
	if err != nil {
		return nil, err
	}
	if reply.identifier != identifier {
		return nil, &Error{Kind: IdentifierMismatch, Detail: fmt.Sprintf("reply identifier %d, want %d", reply.identifier, identifier)}
	}
	if reply.api != api {
		return nil, &Error{Kind: APIMismatch, Detail: fmt.Sprintf("reply api %d, want %d", reply.api, api)}
	}
	return reply.content, nil
}

// Echo flushes the bus: it round-trips data through the manager's echo api
// and confirms the reply is unchanged. Storage.Write round-trips an echo
// after every chunk to make sure the firmware has caught up before the
// next write lands.
func (b *Bus) Echo(ctx context.Context, data []byte) error {
	reply, err := b.Call(ctx, busIdentifier, apiEcho, data)
	if err != nil {
		return err
	}
	if string(reply) != string(data) {
		return &Error{Kind: EchoMismatch}
	}
	return nil
}

// ResetInstruments asks every attached instrument to reset to its power-on
// state.
func (b *Bus) ResetInstruments(ctx context.Context) error {
	return b.Write(ctx, busIdentifier, apiResetInstruments, nil)
}

// DiscoverInstruments enumerates the instruments attached to the fixture
// and registers a typed Facade for every recognized category. Categories
// the bus doesn't recognize are skipped, so newer firmware can expose
// instruments this module has no facade for yet.
func (b *Bus) DiscoverInstruments(ctx context.Context) error {
	reply, err := b.Call(ctx, busIdentifier, apiDiscoverInstruments, nil)
	if err != nil {
		return err
	}
	body := wire.NewBuffer(reply)
	count := body.GetVaruint()
	for i := uint64(0); i < count; i++ {
		category := body.GetString()
		identifier := body.GetVaruint()
		if body.Flags() != 0 {
			return &Error{Kind: MalformedReply, Detail: "discovery reply"}
		}
		facade := newFacade(category, b, identifier)
		if facade == nil {
			continue
		}
		b.instruments[identifier] = facade
	}
	return nil
}

// Instrument returns the discovered facade registered under identifier, or
// nil if none was discovered.
func (b *Bus) Instrument(identifier uint64) Facade {
	return b.instruments[identifier]
}

// InstrumentByCategory returns the first discovered facade of the
// requested category, for scripts that want "the Indicator instrument"
// without caring about its numeric id.
func (b *Bus) InstrumentByCategory(category string) Facade {
	for _, facade := range b.instruments {
		if facade.Category() == category {
			return facade
		}
	}
	return nil
}
