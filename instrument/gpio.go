package instrument

import (
	"context"

	"github.com/denisbohm/fireflyfixture/wire"
)

const (
	gpioAPIReset                     = 0
	gpioAPIGetCapabilities           = 1
	gpioAPIGetConfiguration          = 2
	gpioAPISetConfiguration          = 3
	gpioAPIGetDigitalInput           = 4
	gpioAPISetDigitalOutput          = 5
	gpioAPIGetAnalogInput            = 6
	gpioAPISetAnalogOutput           = 7
	gpioAPIGetAuxiliaryConfiguration = 8
	gpioAPISetAuxiliaryConfiguration = 9
	gpioAPIGetAuxiliaryInput         = 10
	gpioAPISetAuxiliaryOutput        = 11
)

// Capability is a bit a Gpio instrument may advertise.
type Capability int

const (
	CapabilityAnalogInput Capability = iota
	CapabilityAnalogOutput
	CapabilityAuxiliary
)

const (
	capabilityBitAnalogInput  = 1 << 0
	capabilityBitAnalogOutput = 1 << 1
	capabilityBitAuxiliary    = 1 << 2
)

// Domain selects whether a pin is configured digital or analog.
type Domain uint8

const (
	DomainDigital Domain = iota
	DomainAnalog
)

// Direction selects whether a digital pin drives or senses.
type Direction uint8

const (
	DirectionInput Direction = iota
	DirectionOutput
)

// Drive selects a digital output's drive style.
type Drive uint8

const (
	DrivePushPull Drive = iota
	DriveOpenDrain
)

// Pull selects a digital input's bias resistor.
type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// Configuration is the (domain, direction, drive, pull) tuple Gpio reports
// and accepts for both its primary and auxiliary pin.
type Configuration struct {
	Domain    Domain
	Direction Direction
	Drive     Drive
	Pull      Pull
}

// Gpio exposes one general-purpose pin plus an auxiliary pin sharing the
// same instrument, with optional analog input/output capability.
type Gpio struct {
	base
}

// Category identifies this facade's discovery category.
func (g *Gpio) Category() string { return "Gpio" }

// Reset returns the instrument to its power-on state.
func (g *Gpio) Reset(ctx context.Context) error {
	return g.invoke(ctx, gpioAPIReset, nil)
}

// GetCapabilities reports which optional features this pin supports.
func (g *Gpio) GetCapabilities(ctx context.Context) (map[Capability]bool, error) {
	reply, err := g.call(ctx, gpioAPIGetCapabilities, nil)
	if err != nil {
		return nil, err
	}
	bits := wire.NewBuffer(reply).GetUint32()
	capabilities := make(map[Capability]bool)
	if bits&capabilityBitAnalogInput != 0 {
		capabilities[CapabilityAnalogInput] = true
	}
	if bits&capabilityBitAnalogOutput != 0 {
		capabilities[CapabilityAnalogOutput] = true
	}
	if bits&capabilityBitAuxiliary != 0 {
		capabilities[CapabilityAuxiliary] = true
	}
	return capabilities, nil
}

func decodeConfiguration(reply []byte) Configuration {
	b := wire.NewBuffer(reply)
	return Configuration{
		Domain:    Domain(b.GetUint8()),
		Direction: Direction(b.GetUint8()),
		Drive:     Drive(b.GetUint8()),
		Pull:      Pull(b.GetUint8()),
	}
}

func encodeConfiguration(c Configuration) []byte {
	b := wire.NewBufferWithLimit(0)
	b.PutUint8(uint8(c.Domain))
	b.PutUint8(uint8(c.Direction))
	b.PutUint8(uint8(c.Drive))
	b.PutUint8(uint8(c.Pull))
	return b.Bytes()
}

// GetConfiguration reads back the primary pin's configuration.
func (g *Gpio) GetConfiguration(ctx context.Context) (Configuration, error) {
	reply, err := g.call(ctx, gpioAPIGetConfiguration, nil)
	if err != nil {
		return Configuration{}, err
	}
	return decodeConfiguration(reply), nil
}

// SetConfiguration configures the primary pin.
func (g *Gpio) SetConfiguration(ctx context.Context, c Configuration) error {
	return g.invoke(ctx, gpioAPISetConfiguration, encodeConfiguration(c))
}

// GetDigitalInput reads the primary pin as a digital input.
func (g *Gpio) GetDigitalInput(ctx context.Context) (bool, error) {
	reply, err := g.call(ctx, gpioAPIGetDigitalInput, nil)
	if err != nil {
		return false, err
	}
	return wire.NewBuffer(reply).GetUint8() != 0, nil
}

// SetDigitalOutput drives the primary pin as a digital output.
func (g *Gpio) SetDigitalOutput(ctx context.Context, value bool) error {
	args := wire.NewBufferWithLimit(0)
	args.PutUint8(boolToUint8(value))
	return g.invoke(ctx, gpioAPISetDigitalOutput, args.Bytes())
}

// GetAnalogInput reads the primary pin as an analog input; requires
// CapabilityAnalogInput.
func (g *Gpio) GetAnalogInput(ctx context.Context) (float32, error) {
	reply, err := g.call(ctx, gpioAPIGetAnalogInput, nil)
	if err != nil {
		return 0, err
	}
	return wire.NewBuffer(reply).GetFloat32(), nil
}

// SetAnalogOutput drives the primary pin as an analog output; requires
// CapabilityAnalogOutput.
func (g *Gpio) SetAnalogOutput(ctx context.Context, value float32) error {
	args := wire.NewBufferWithLimit(0)
	args.PutFloat32(value)
	return g.invoke(ctx, gpioAPISetAnalogOutput, args.Bytes())
}

// GetAuxiliaryConfiguration reads back the auxiliary pin's configuration;
// requires CapabilityAuxiliary.
func (g *Gpio) GetAuxiliaryConfiguration(ctx context.Context) (Configuration, error) {
	reply, err := g.call(ctx, gpioAPIGetAuxiliaryConfiguration, nil)
	if err != nil {
		return Configuration{}, err
	}
	return decodeConfiguration(reply), nil
}

// SetAuxiliaryConfiguration configures the auxiliary pin; requires
// CapabilityAuxiliary.
func (g *Gpio) SetAuxiliaryConfiguration(ctx context.Context, c Configuration) error {
	return g.invoke(ctx, gpioAPISetAuxiliaryConfiguration, encodeConfiguration(c))
}

// GetAuxiliaryInput reads the auxiliary pin as a digital input; requires
// CapabilityAuxiliary.
func (g *Gpio) GetAuxiliaryInput(ctx context.Context) (bool, error) {
	reply, err := g.call(ctx, gpioAPIGetAuxiliaryInput, nil)
	if err != nil {
		return false, err
	}
	return wire.NewBuffer(reply).GetUint8() != 0, nil
}

// SetAuxiliaryOutput drives the auxiliary pin as a digital output;
// requires CapabilityAuxiliary.
func (g *Gpio) SetAuxiliaryOutput(ctx context.Context, value bool) error {
	args := wire.NewBufferWithLimit(0)
	args.PutUint8(boolToUint8(value))
	return g.invoke(ctx, gpioAPISetAuxiliaryOutput, args.Bytes())
}
