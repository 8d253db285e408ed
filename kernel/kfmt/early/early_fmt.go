// Package early provides a Printf implementation that PMM code can call
// before the kernel heap (and therefore the rest of kfmt's consumers) is
// available.
package early

import "gopheros/kernel/kfmt"

// Printf formats according to a format specifier and writes the result to
// the sink currently registered with kfmt (via kfmt.SetOutputSink), falling
// back to kfmt's ring buffer when no sink has been attached yet. The PMM
// bitmap allocator and the boot-time linear allocator run this early in
// boot, typically before hal.DetectHardware has probed a console/TTY pair,
// so callers must not assume the output is visible immediately.
//
// See kfmt.Printf for the supported subset of formatting verbs.
func Printf(format string, args ...interface{}) {
	kfmt.Printf(format, args...)
}
