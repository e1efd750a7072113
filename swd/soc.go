// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package swd

// Soc abstracts a target system-on-chip's register map so generic
// bit-bang drivers can run over any target. Implementations append
// transfers to a caller-owned batch rather than issuing their own round
// trips; callers stack the transfers of several pins into one
// Engine.Transfer call.
type Soc interface {
	// AppendConfigureOutput appends the transfers that make pin a
	// push-pull output.
	AppendConfigureOutput(transfers []*Transfer, pin uint) []*Transfer
	// AppendConfigureInput appends the transfers that make pin an input.
	AppendConfigureInput(transfers []*Transfer, pin uint) []*Transfer
	// AppendSetOutput appends the transfers that drive pin to value.
	AppendSetOutput(transfers []*Transfer, pin uint, value bool) []*Transfer
	// AppendReadInput appends the transfer whose reply carries pin's
	// level, returning it alongside the extended batch so the caller can
	// pass it to InputValue once the batch completes.
	AppendReadInput(transfers []*Transfer, pin uint) ([]*Transfer, *Transfer)
	// InputValue extracts pin's level from a completed AppendReadInput
	// transfer.
	InputValue(transfer *Transfer, pin uint) bool
}
