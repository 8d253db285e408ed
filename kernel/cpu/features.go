package cpu

import "golang.org/x/sys/cpu"

// SupportsSMEP reports whether the running CPU implements Supervisor-Mode
// Execution Prevention (CR4.SMEP), which the corruption-detection package
// enables during early boot when available.
func SupportsSMEP() bool {
	return cpu.X86.HasSMEP
}

// SupportsSMAP reports whether the running CPU implements Supervisor-Mode
// Access Prevention (CR4.SMAP).
func SupportsSMAP() bool {
	return cpu.X86.HasSMAP
}
