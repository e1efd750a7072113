package instrument

import (
	"context"

	"github.com/denisbohm/fireflyfixture/wire"
)

const (
	voltageAPIReset          = 0
	voltageAPIConvertVoltage = 1
)

// Voltage reads back one analog voltage rail via the fixture's ADC.
type Voltage struct {
	base
}

// Category identifies this facade's discovery category.
func (v *Voltage) Category() string { return "Voltage" }

// Reset returns the instrument to its power-on state.
func (v *Voltage) Reset(ctx context.Context) error {
	return v.invoke(ctx, voltageAPIReset, nil)
}

// Convert triggers an ADC conversion and returns the measured voltage.
func (v *Voltage) Convert(ctx context.Context) (float32, error) {
	reply, err := v.call(ctx, voltageAPIConvertVoltage, nil)
	if err != nil {
		return 0, err
	}
	return wire.NewBuffer(reply).GetFloat32(), nil
}
