package instrument

import (
	"context"

	"github.com/denisbohm/fireflyfixture/wire"
)

const (
	currentAPIReset          = 0
	currentAPIConvertCurrent = 1
)

// Current reads back one analog current-sense channel via the fixture's
// ADC.
type Current struct {
	base
}

// Category identifies this facade's discovery category.
func (c *Current) Category() string { return "Current" }

// Reset returns the instrument to its power-on state.
func (c *Current) Reset(ctx context.Context) error {
	return c.invoke(ctx, currentAPIReset, nil)
}

// Convert triggers an ADC conversion and returns the measured current.
func (c *Current) Convert(ctx context.Context) (float32, error) {
	reply, err := c.call(ctx, currentAPIConvertCurrent, nil)
	if err != nil {
		return 0, err
	}
	return wire.NewBuffer(reply).GetFloat32(), nil
}
