// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package swd

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Core register selectors (DCRSR REGSEL encoding).
const (
	RegR0 = 0
	RegR1 = 1
	RegR2 = 2
	RegR3 = 3
	RegSP = 13
	RegLR = 14
	RegPC = 15
)

// DHCSR, the Debug Halting Control and Status Register.
const (
	dhcsrAddress = 0xe000edf0

	dhcsrDebugKey = 0xa05f0000

	dhcsrControlDebugEnable = 0x00000001
	dhcsrControlHalt        = 0x00000002
	dhcsrControlStep        = 0x00000004
	dhcsrControlMaskInts    = 0x00000008

	dhcsrStatusRegisterReady = 0x00010000
	dhcsrStatusHalt          = 0x00020000
	dhcsrStatusSleep         = 0x00040000
	dhcsrStatusLockup        = 0x00080000
	dhcsrStatusRetire        = 0x01000000
	dhcsrStatusReset         = 0x02000000
)

// DefaultCallTimeout bounds how long a synthetic call may run before the
// core is declared wedged.
const DefaultCallTimeout = time.Second

// Rpc performs synthetic function calls into firmware resident in the
// target's RAM: halt the core, load the argument registers, point SP at
// the top of the firmware's stack, point LR at a sentinel that re-halts
// the core on return, resume, and wait for the halt.
type Rpc struct {
	engine *Engine

	// StackPointer is the initial SP for every call, normally the end of
	// the resident firmware's stack section.
	StackPointer uint32
	// HaltAddress is the sentinel function the callee returns into;
	// reaching it traps the core back into debug halt.
	HaltAddress uint32
}

// NewRpc returns an Rpc calling through engine with the given initial
// stack pointer and return sentinel.
func NewRpc(engine *Engine, stackPointer, haltAddress uint32) *Rpc {
	return &Rpc{engine: engine, StackPointer: stackPointer, HaltAddress: haltAddress}
}

// Engine returns the underlying transfer engine.
func (r *Rpc) Engine() *Engine {
	return r.engine
}

// Halt stops the core, entering debug halt.
func (r *Rpc) Halt(ctx context.Context) error {
	return r.engine.WriteMemoryUint32(ctx, dhcsrAddress, dhcsrDebugKey|dhcsrControlDebugEnable|dhcsrControlHalt)
}

// Run resumes the core from debug halt.
func (r *Rpc) Run(ctx context.Context) error {
	return r.engine.WriteMemoryUint32(ctx, dhcsrAddress, dhcsrDebugKey|dhcsrControlDebugEnable)
}

// Step executes one instruction and re-enters debug halt.
func (r *Rpc) Step(ctx context.Context) error {
	return r.engine.WriteMemoryUint32(ctx, dhcsrAddress, dhcsrDebugKey|dhcsrControlDebugEnable|dhcsrControlStep)
}

// IsHalted reports whether the core is in debug halt.
func (r *Rpc) IsHalted(ctx context.Context) (bool, error) {
	status, err := r.engine.ReadMemoryUint32(ctx, dhcsrAddress)
	if err != nil {
		return false, err
	}
	return status&dhcsrStatusHalt != 0, nil
}

// Call halts the core, arranges r0..r3, SP, LR, and PC, resumes, waits
// up to timeout for the callee to return into the halt sentinel, and
// returns the callee's r0. The low bit of PC and LR is forced on: every
// Cortex-M core executes Thumb only, and a clear bit faults the core on
// the first fetch.
func (r *Rpc) Call(ctx context.Context, function, r0, r1, r2, r3 uint32, timeout time.Duration) (uint32, error) {
	if err := r.Halt(ctx); err != nil {
		return 0, err
	}
	if err := r.engine.Transfer(ctx,
		WriteRegister(RegR0, r0),
		WriteRegister(RegR1, r1),
		WriteRegister(RegR2, r2),
		WriteRegister(RegR3, r3),
		WriteRegister(RegSP, r.StackPointer),
		WriteRegister(RegLR, r.HaltAddress|1),
		WriteRegister(RegPC, function|1),
	); err != nil {
		return 0, err
	}
	if err := r.Run(ctx); err != nil {
		return 0, err
	}
	if err := r.waitForHalt(ctx, timeout); err != nil {
		return 0, err
	}
	return r.engine.ReadRegister(ctx, RegR0)
}

// waitForHalt polls DHCSR until the halt status bit is set or the
// wall-clock deadline expires. On expiry it captures a core state dump
// for the failure report.
func (r *Rpc) waitForHalt(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		halted, err := r.IsHalted(ctx)
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
		if time.Now().After(deadline) {
			dump, err := r.dump(ctx)
			if err != nil {
				dump = fmt.Sprintf("dump failed: %v", err)
			}
			return &Error{Kind: RpcTimeout, Detail: dump}
		}
	}
}

// dump reads DHCSR and the call-visible registers in one batch and
// renders them for a failure report, so a wedged target can be triaged
// from the log alone.
func (r *Rpc) dump(ctx context.Context) (string, error) {
	status := ReadMemoryWord(dhcsrAddress)
	regs := []*Transfer{
		ReadRegister(RegR0),
		ReadRegister(RegR1),
		ReadRegister(RegR2),
		ReadRegister(RegR3),
		ReadRegister(RegSP),
		ReadRegister(RegLR),
		ReadRegister(RegPC),
	}
	if err := r.engine.Transfer(ctx, append([]*Transfer{status}, regs...)...); err != nil {
		return "", err
	}
	return fmt.Sprintf("dhcsr=%#08x [%s] r0=%#08x r1=%#08x r2=%#08x r3=%#08x sp=%#08x lr=%#08x pc=%#08x",
		status.Data, decodeDhcsr(status.Data),
		regs[0].Data, regs[1].Data, regs[2].Data, regs[3].Data,
		regs[4].Data, regs[5].Data, regs[6].Data), nil
}

// decodeDhcsr names the status bits set in a DHCSR value.
func decodeDhcsr(value uint32) string {
	var names []string
	for _, bit := range []struct {
		mask uint32
		name string
	}{
		{dhcsrControlDebugEnable, "debugen"},
		{dhcsrControlHalt, "halt"},
		{dhcsrControlStep, "step"},
		{dhcsrControlMaskInts, "maskints"},
		{dhcsrStatusRegisterReady, "s_regrdy"},
		{dhcsrStatusHalt, "s_halt"},
		{dhcsrStatusSleep, "s_sleep"},
		{dhcsrStatusLockup, "s_lockup"},
		{dhcsrStatusRetire, "s_retire"},
		{dhcsrStatusReset, "s_reset"},
	} {
		if value&bit.mask != 0 {
			names = append(names, bit.name)
		}
	}
	return strings.Join(names, ",")
}
