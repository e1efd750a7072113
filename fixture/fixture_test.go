// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package fixture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/denisbohm/fireflyfixture/fixturetest"
	"github.com/denisbohm/fireflyfixture/hid"
	"github.com/denisbohm/fireflyfixture/wire"
)

// frame builds the framed request or reply for one instrument message.
func frame(identifier, api uint64, body []byte) []byte {
	packet := wire.NewBufferWithLimit(0)
	packet.PutVaruint(identifier)
	packet.PutVaruint(api)
	packet.PutVaruint(uint64(len(body)))
	packet.PutBytes(body)
	framed := wire.NewBufferWithLimit(0)
	framed.PutVaruint(uint64(packet.Len()))
	framed.PutBytes(packet.Bytes())
	return framed.Bytes()
}

// reports chunks a framed message into sequence-stamped reports.
func reports(framed []byte) []hid.Report {
	var out []hid.Report
	seq := byte(0)
	for offset := 0; offset < len(framed) || seq == 0; {
		end := offset + hid.PayloadSize
		if end > len(framed) {
			end = len(framed)
		}
		out = append(out, hid.NewOutReport(seq, framed[offset:end]))
		seq++
		offset = end
		if offset >= len(framed) {
			break
		}
	}
	return out
}

// discoverOp scripts an instrument discovery returning no instruments.
func discoverOp() fixturetest.IO {
	return fixturetest.IO{
		W: reports(frame(0, 1, nil)),
		R: reports(frame(0, 1, []byte{0x00})),
	}
}

type stubScript struct {
	verdict Verdict
	err     error
}

func (s *stubScript) Setup(ctx context.Context, f *Fixture) error {
	return nil
}

func (s *stubScript) Main(ctx context.Context, f *Fixture) (Verdict, error) {
	return s.verdict, s.err
}

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Log(message string, severity Severity) {
	r.lines = append(r.lines, message)
}

func TestRunPass(t *testing.T) {
	transport := &fixturetest.Playback{Ops: []fixturetest.IO{discoverOp()}}
	f := New(transport, &recordingLogger{})
	if verdict := Run(context.Background(), f, &stubScript{verdict: Passed}); verdict != Passed {
		t.Fatalf("verdict = %v, want pass", verdict)
	}
	if err := transport.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRunFail(t *testing.T) {
	transport := &fixturetest.Playback{Ops: []fixturetest.IO{discoverOp()}}
	f := New(transport, &recordingLogger{})
	if verdict := Run(context.Background(), f, &stubScript{verdict: Failed}); verdict != Failed {
		t.Fatalf("verdict = %v, want fail", verdict)
	}
}

func TestRunException(t *testing.T) {
	transport := &fixturetest.Playback{Ops: []fixturetest.IO{discoverOp()}}
	logger := &recordingLogger{}
	f := New(transport, logger)
	if verdict := Run(context.Background(), f, &stubScript{err: errors.New("board on fire")}); verdict != Exception {
		t.Fatalf("verdict = %v, want exception", verdict)
	}
	found := false
	for _, line := range logger.lines {
		if line == "Script exception: board on fire" {
			found = true
		}
	}
	if !found {
		t.Fatalf("exception detail not logged: %q", logger.lines)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	transport := &fixturetest.Playback{}
	f := New(transport, &recordingLogger{})
	if verdict := Run(ctx, f, &stubScript{verdict: Passed}); verdict != Cancelled {
		t.Fatalf("verdict = %v, want cancelled", verdict)
	}
}

func TestRetry(t *testing.T) {
	polls := 0
	err := Retry(context.Background(), func(context.Context) (bool, error) {
		polls++
		return polls >= 3, nil
	}, time.Second, "test condition")
	if err != nil {
		t.Fatal(err)
	}
	if polls != 3 {
		t.Fatalf("polls = %d, want 3", polls)
	}
}

func TestRetryTimeout(t *testing.T) {
	err := Retry(context.Background(), func(context.Context) (bool, error) {
		return false, nil
	}, time.Millisecond, "a condition that never holds")
	if err == nil {
		t.Fatal("expired retry returned nil")
	}
}

func TestBundle(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	if err := os.MkdirAll(filepath.Join(second, "flasher"), 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(second, "flasher", "stm32f4.elf")
	if err := os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F'}, 0o644); err != nil {
		t.Fatal(err)
	}

	b := NewBundle(first, second)
	got, err := b.PathForResource(filepath.Join("flasher", "stm32f4.elf"))
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Fatalf("path = %q, want %q", got, path)
	}
	if _, err := b.PathForResource("missing.elf"); err == nil {
		t.Fatal("missing resource found")
	}
}
