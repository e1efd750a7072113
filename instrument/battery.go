package instrument

import (
	"context"

	"github.com/denisbohm/fireflyfixture/wire"
)

const (
	batteryAPIReset      = 0
	batteryAPIConvert    = 1
	batteryAPISetVoltage = 2
	batteryAPISetEnabled = 3
	// apis 4/5 are a firmware streaming mode no script drives yet.
)

// Battery models the fixture's programmable battery-simulator channel: it
// can source a fixed voltage and report back the current the target
// circuit draws from it.
type Battery struct {
	base
}

// Category identifies this facade's discovery category.
func (b *Battery) Category() string { return "Battery" }

// Reset returns the instrument to its power-on state.
func (b *Battery) Reset(ctx context.Context) error {
	return b.invoke(ctx, batteryAPIReset, nil)
}

// Convert triggers an ADC conversion and returns the measured current
// drawn from the simulated battery.
func (b *Battery) Convert(ctx context.Context) (float32, error) {
	reply, err := b.call(ctx, batteryAPIConvert, nil)
	if err != nil {
		return 0, err
	}
	return wire.NewBuffer(reply).GetFloat32(), nil
}

// SetEnabled turns the simulated battery rail on or off.
func (b *Battery) SetEnabled(ctx context.Context, value bool) error {
	args := wire.NewBufferWithLimit(0)
	args.PutUint8(boolToUint8(value))
	return b.invoke(ctx, batteryAPISetEnabled, args.Bytes())
}

// SetVoltage sets the simulated battery's source voltage.
func (b *Battery) SetVoltage(ctx context.Context, value float32) error {
	args := wire.NewBufferWithLimit(0)
	args.PutFloat32(value)
	return b.invoke(ctx, batteryAPISetVoltage, args.Bytes())
}
