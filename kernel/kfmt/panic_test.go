package kfmt

import (
	"bytes"
	"errors"
	"gopheros/device/tty"
	"gopheros/device/video/console"
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"strings"
	"testing"
	"unsafe"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	t.Run("with *kernel.Error", func(t *testing.T) {
		cpuHaltCalled = false
		fb := mockTTY()
		err := &kernel.Error{Module: "test", Message: "panic test"}

		Panic(err)

		exp := "\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------"

		if got := readTTY(fb); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("with error", func(t *testing.T) {
		cpuHaltCalled = false
		fb := mockTTY()
		err := errors.New("go error")

		Panic(err)

		exp := "\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------"

		if got := readTTY(fb); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("with string", func(t *testing.T) {
		cpuHaltCalled = false
		fb := mockTTY()
		err := "string error"

		Panic(err)

		exp := "\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------"

		if got := readTTY(fb); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("without error", func(t *testing.T) {
		cpuHaltCalled = false
		fb := mockTTY()

		Panic(nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------"

		if got := readTTY(fb); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})
}

const (
	mockConsoleWidth  = 80
	mockConsoleHeight = 25
)

// readTTY renders the raw VgaTextConsole framebuffer back into the text
// that was written to it, trimming the per-line padding spaces and any
// trailing blank lines that were never touched by a Write call.
func readTTY(fb []uint16) string {
	lines := make([]string, 0, mockConsoleHeight)
	for y := 0; y < mockConsoleHeight; y++ {
		var row bytes.Buffer
		for x := 0; x < mockConsoleWidth; x++ {
			row.WriteByte(byte(fb[y*mockConsoleWidth+x]))
		}
		lines = append(lines, strings.TrimRight(row.String(), " "))
	}

	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	return strings.Join(lines, "\n")
}

// mockTTY wires up a real VgaTextConsole/VT pair backed by an in-memory
// framebuffer and registers it as kfmt's output sink, so Panic's formatted
// output can be captured the same way the console driver would render it.
func mockTTY() []uint16 {
	fb := make([]uint16, mockConsoleWidth*mockConsoleHeight)
	cons := console.NewVgaTextConsole(mockConsoleWidth, mockConsoleHeight, uintptr(unsafe.Pointer(&fb[0])))
	cons.AttachFramebuffer(fb)

	vt := tty.NewVT(tty.DefaultTabWidth, tty.DefaultScrollback)
	vt.AttachTo(cons)
	vt.SetState(tty.StateActive)

	SetOutputSink(vt)

	return fb
}
