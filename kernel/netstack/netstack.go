// Package netstack defines the minimal socket contract the syscall
// dispatcher depends on for socket/bind/sendto/recvfrom. A concrete network
// stack is outside SPEC_FULL.md's scope; the interface keeps the
// dispatcher ready to forward to one without pulling a protocol
// implementation into this module.
package netstack

import "gopheros/kernel"

// Socket is a single open socket's send/receive/bind surface.
type Socket interface {
	Bind(addr []byte) *kernel.Error
	SendTo(buf []byte, addr []byte) (int, *kernel.Error)
	RecvFrom(buf []byte) (int, []byte, *kernel.Error)
	Close() *kernel.Error
}

// Stack creates Sockets, analogous to vfs.FS.Open.
type Stack interface {
	Socket(domain, typ, proto int32) (Socket, *kernel.Error)
}
