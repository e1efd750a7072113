package instrument

import (
	"context"
	"fmt"

	"github.com/denisbohm/fireflyfixture/wire"
)

const (
	serialWireAPIReset            = 0
	serialWireAPISetOutputs       = 1
	serialWireAPIGetInputs        = 2
	serialWireAPIShiftOutBits     = 3
	serialWireAPIShiftOutData     = 4
	serialWireAPIShiftInBits      = 5
	serialWireAPIShiftInData      = 6
	serialWireAPIFlush            = 7
	serialWireAPIData             = 8
	serialWireAPISetEnabled       = 9
	serialWireAPIWriteMemory      = 10
	serialWireAPIReadMemory       = 11
	serialWireAPIWriteFromStorage = 12
	serialWireAPICompareToStorage = 13
	serialWireAPITransfer         = 14
	serialWireAPISetHalfBitDelay  = 15
	serialWireAPISetTargetID      = 16
	serialWireAPISetAccessPortID  = 17
	serialWireAPIConnect          = 18
)

// Discrete output pins multiplexed onto SerialWire's SetOutputs/GetInputs
// apis, alongside the SWDIO/SWCLK lines the Transfer batch drives.
const (
	OutputIndicator = 0
	OutputReset     = 1
	OutputDirection = 2
)

// maxMemoryTransferLength bounds a single WriteMemory/ReadMemory message,
// smaller than Storage's since these go over the target's SWD memory bus
// rather than the fixture's own flash.
const maxMemoryTransferLength = 1024

// SerialWire drives the fixture's SWD probe: discrete GPIO bit-banging,
// direct target-memory read/write, flash-backed bulk transfer, and the
// batched SWD register Transfer api the swd package builds its Engine on
// top of.
type SerialWire struct {
	base
}

// Category identifies this facade's discovery category.
func (s *SerialWire) Category() string { return "SerialWire" }

// Reset returns the instrument to its power-on state.
func (s *SerialWire) Reset(ctx context.Context) error {
	return s.invoke(ctx, serialWireAPIReset, nil)
}

// SetEnabled enables or disables the probe's output drivers.
func (s *SerialWire) SetEnabled(ctx context.Context, value bool) error {
	args := wire.NewBufferWithLimit(0)
	args.PutUint8(boolToUint8(value))
	return s.invoke(ctx, serialWireAPISetEnabled, args.Bytes())
}

// SetHalfBitDelay sets the clock half-period, in the firmware's timer
// ticks, used while bit-banging SWDIO/SWCLK.
func (s *SerialWire) SetHalfBitDelay(ctx context.Context, value uint32) error {
	args := wire.NewBufferWithLimit(0)
	args.PutUint32(value)
	return s.invoke(ctx, serialWireAPISetHalfBitDelay, args.Bytes())
}

// Set drives one discrete output pin (OutputIndicator, OutputReset,
// OutputDirection).
func (s *SerialWire) Set(ctx context.Context, gpio uint, value bool) error {
	bits := uint8(1) << gpio
	values := uint8(0)
	if value {
		values = bits
	}
	args := wire.NewBufferWithLimit(0)
	args.PutUint8(bits)
	args.PutUint8(values)
	return s.invoke(ctx, serialWireAPISetOutputs, args.Bytes())
}

// Get reads one discrete input pin.
func (s *SerialWire) Get(ctx context.Context, gpio uint) (bool, error) {
	bits := uint8(1) << gpio
	args := wire.NewBufferWithLimit(0)
	args.PutUint8(bits)
	reply, err := s.call(ctx, serialWireAPIGetInputs, args.Bytes())
	if err != nil {
		return false, err
	}
	return wire.NewBuffer(reply).GetVaruint() != 0, nil
}

// GetReset reads back the target reset line's current sense.
func (s *SerialWire) GetReset(ctx context.Context) (bool, error) {
	return s.Get(ctx, OutputReset)
}

// SetIndicator drives the probe's own activity LED.
func (s *SerialWire) SetIndicator(ctx context.Context, value bool) error {
	return s.Set(ctx, OutputIndicator, value)
}

// SetReset drives the target's reset line.
func (s *SerialWire) SetReset(ctx context.Context, value bool) error {
	return s.Set(ctx, OutputReset, value)
}

// TurnToRead releases SWDIO so the target can drive it.
func (s *SerialWire) TurnToRead(ctx context.Context) error {
	return s.Set(ctx, OutputDirection, false)
}

// TurnToWrite drives SWDIO from the probe.
func (s *SerialWire) TurnToWrite(ctx context.Context) error {
	return s.Set(ctx, OutputDirection, true)
}

// ShiftOutBits clocks out the low bitCount bits of byte, LSB first.
func (s *SerialWire) ShiftOutBits(ctx context.Context, b byte, bitCount int) error {
	args := wire.NewBufferWithLimit(0)
	args.PutUint8(uint8(bitCount - 1))
	args.PutUint8(b)
	return s.invoke(ctx, serialWireAPIShiftOutBits, args.Bytes())
}

// ShiftOutData clocks out data, one byte at a time.
func (s *SerialWire) ShiftOutData(ctx context.Context, data []byte) error {
	args := wire.NewBufferWithLimit(0)
	args.PutVaruint(uint64(len(data) - 1))
	args.PutBytes(data)
	return s.invoke(ctx, serialWireAPIShiftOutData, args.Bytes())
}

// ShiftInBits clocks in bitCount bits.
func (s *SerialWire) ShiftInBits(ctx context.Context, bitCount int) error {
	args := wire.NewBufferWithLimit(0)
	args.PutUint8(uint8(bitCount - 1))
	return s.invoke(ctx, serialWireAPIShiftInBits, args.Bytes())
}

// ShiftInData clocks in byteCount bytes.
func (s *SerialWire) ShiftInData(ctx context.Context, byteCount int) error {
	args := wire.NewBufferWithLimit(0)
	args.PutVaruint(uint64(byteCount - 1))
	return s.invoke(ctx, serialWireAPIShiftInData, args.Bytes())
}

func (s *SerialWire) writeMemoryRaw(ctx context.Context, address uint64, data []byte) error {
	args := wire.NewBufferWithLimit(0)
	args.PutVaruint(address)
	args.PutVaruint(uint64(len(data)))
	args.PutBytes(data)
	reply, err := s.call(ctx, serialWireAPIWriteMemory, args.Bytes())
	if err != nil {
		return err
	}
	if code := wire.NewBuffer(reply).GetVaruint(); code != 0 {
		return &Error{Kind: StatusNonZero, Detail: "memory transfer issue", Code: code}
	}
	return nil
}

// WriteMemory writes data into the target's memory space at address,
// chunked to maxMemoryTransferLength bytes per call.
func (s *SerialWire) WriteMemory(ctx context.Context, address uint64, data []byte) error {
	offset := 0
	for offset < len(data) {
		count := len(data) - offset
		if count > maxMemoryTransferLength {
			count = maxMemoryTransferLength
		}
		if err := s.writeMemoryRaw(ctx, address+uint64(offset), data[offset:offset+count]); err != nil {
			return err
		}
		offset += count
	}
	return nil
}

func (s *SerialWire) readMemoryRaw(ctx context.Context, address uint64, length int) ([]byte, error) {
	args := wire.NewBufferWithLimit(0)
	args.PutVaruint(address)
	args.PutVaruint(uint64(length))
	reply, err := s.call(ctx, serialWireAPIReadMemory, args.Bytes())
	if err != nil {
		return nil, err
	}
	b := wire.NewBuffer(reply)
	if code := b.GetVaruint(); code != 0 {
		return nil, &Error{Kind: StatusNonZero, Detail: "memory transfer issue", Code: code}
	}
	result := b.RemainingBytes()
	if len(result) != length {
		return nil, &Error{Kind: MalformedReply, Detail: fmt.Sprintf("short read %d of %d", len(result), length)}
	}
	return result, nil
}

// ReadMemory reads length bytes from the target's memory space at
// address, chunked to maxMemoryTransferLength bytes per call.
func (s *SerialWire) ReadMemory(ctx context.Context, address uint64, length int) ([]byte, error) {
	data := make([]byte, 0, length)
	offset := 0
	for offset < length {
		count := length - offset
		if count > maxMemoryTransferLength {
			count = maxMemoryTransferLength
		}
		chunk, err := s.readMemoryRaw(ctx, address+uint64(offset), count)
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)
		offset += count
	}
	return data, nil
}

// WriteFromStorage tells the firmware to stream length bytes from its own
// flash file system at storageAddress directly into the target's memory
// at address, without round-tripping the data over USB.
func (s *SerialWire) WriteFromStorage(ctx context.Context, address, length, storageIdentifier, storageAddress uint64) error {
	args := wire.NewBufferWithLimit(0)
	args.PutVaruint(address)
	args.PutVaruint(length)
	args.PutVaruint(storageIdentifier)
	args.PutVaruint(storageAddress)
	reply, err := s.call(ctx, serialWireAPIWriteFromStorage, args.Bytes())
	if err != nil {
		return err
	}
	if code := wire.NewBuffer(reply).GetVaruint(); code != 0 {
		return &Error{Kind: StatusNonZero, Detail: "memory transfer issue", Code: code}
	}
	return nil
}

// CompareToStorage asks the firmware to compare length bytes of target
// memory at address against its own flash file system at storageAddress,
// returning a firmware-defined comparison code (0 means identical).
func (s *SerialWire) CompareToStorage(ctx context.Context, address, length, storageIdentifier, storageAddress uint64) (uint64, error) {
	args := wire.NewBufferWithLimit(0)
	args.PutVaruint(address)
	args.PutVaruint(length)
	args.PutVaruint(storageIdentifier)
	args.PutVaruint(storageAddress)
	reply, err := s.call(ctx, serialWireAPICompareToStorage, args.Bytes())
	if err != nil {
		return 0, err
	}
	return wire.NewBuffer(reply).GetVaruint(), nil
}

// SetTargetID sets the SWD target identification code the probe expects
// during Connect.
func (s *SerialWire) SetTargetID(ctx context.Context, value uint32) error {
	args := wire.NewBufferWithLimit(0)
	args.PutUint32(value)
	return s.invoke(ctx, serialWireAPISetTargetID, args.Bytes())
}

// SetAccessPortID sets the debug access port index Transfer's
// select-and-* variants target.
func (s *SerialWire) SetAccessPortID(ctx context.Context, value uint32) error {
	args := wire.NewBufferWithLimit(0)
	args.PutUint32(value)
	return s.invoke(ctx, serialWireAPISetAccessPortID, args.Bytes())
}

// Connect resets and re-establishes the SWD debug connection, returning
// the target's debug port identification register value.
func (s *SerialWire) Connect(ctx context.Context) (uint32, error) {
	reply, err := s.call(ctx, serialWireAPIConnect, nil)
	if err != nil {
		return 0, err
	}
	b := wire.NewBuffer(reply)
	if code := b.GetVaruint(); code != 0 {
		return 0, &Error{Kind: StatusNonZero, Detail: "connect issue", Code: code}
	}
	return b.GetUint32(), nil
}

// Transfer sends a batch of SWD transfers in one instrument call and
// decodes the replies in order, verifying the reply count and every
// echoed port/register/address field. It is exported here so the swd
// package's Engine can drive it without this package depending on swd
// (which depends on instrument).
func (s *SerialWire) Transfer(ctx context.Context, encode func(*wire.Buffer) int, decode func(*wire.Buffer) error) error {
	args := wire.NewBufferWithLimit(0)
	responseCount := encode(args)
	reply, err := s.call(ctx, serialWireAPITransfer, args.Bytes())
	if err != nil {
		return err
	}
	b := wire.NewBuffer(reply)
	if code := b.GetVaruint(); code != 0 {
		return &Error{Kind: StatusNonZero, Detail: "memory transfer issue", Code: code}
	}
	count := b.GetVaruint()
	if count != uint64(responseCount) {
		return &Error{Kind: TransferMismatch, Detail: fmt.Sprintf("got %d responses, want %d", count, responseCount)}
	}
	return decode(b)
}
