package instrument

import (
	"context"

	"github.com/denisbohm/fireflyfixture/wire"
)

const (
	relayAPIReset    = 0
	relayAPISetState = 1
)

// Relay drives one bistable relay channel on the fixture.
type Relay struct {
	base
}

// Category identifies this facade's discovery category.
func (r *Relay) Category() string { return "Relay" }

// Reset returns the relay to its power-on (de-energized) state.
func (r *Relay) Reset(ctx context.Context) error {
	return r.invoke(ctx, relayAPIReset, nil)
}

// Set energizes or de-energizes the relay.
func (r *Relay) Set(ctx context.Context, value bool) error {
	args := wire.NewBufferWithLimit(0)
	args.PutUint8(boolToUint8(value))
	return r.invoke(ctx, relayAPISetState, args.Bytes())
}

func boolToUint8(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}
