package instrument

import (
	"context"

	"github.com/denisbohm/fireflyfixture/wire"
)

const (
	indicatorAPIReset  = 0
	indicatorAPISetRGB = 1
)

// Indicator drives one RGB status LED on the fixture.
type Indicator struct {
	base
}

// Category identifies this facade's discovery category.
func (i *Indicator) Category() string { return "Indicator" }

// Reset turns the indicator off.
func (i *Indicator) Reset(ctx context.Context) error {
	return i.invoke(ctx, indicatorAPIReset, nil)
}

// Set drives the indicator to the given red/green/blue intensities, each
// in [0, 1].
func (i *Indicator) Set(ctx context.Context, red, green, blue float32) error {
	args := wire.NewBufferWithLimit(0)
	args.PutFloat32(red)
	args.PutFloat32(green)
	args.PutFloat32(blue)
	return i.invoke(ctx, indicatorAPISetRGB, args.Bytes())
}
