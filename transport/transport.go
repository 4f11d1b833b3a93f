// Package transport defines the raw I²C byte-transport contract the engine
// consumes (spec §6: open/write_read/close, with classified statuses), and
// provides two concrete implementations: a real serial-bridge transport
// grounded on the teacher's github.com/pkg/term usage, and a pty-backed
// flaky test double grounded on its pseudo-terminal KISS listener.
package transport

import (
	"github.com/kgretry/ddcadapt/internal/retrypolicy"
)

// Handle is an open transport session for one bus.
type Handle interface {
	// WriteRead sends request and reads back expectedResponseLen bytes,
	// returning a classified status and whatever response bytes were
	// obtained (possibly short, on a non-Ok status).
	WriteRead(request []byte, expectedResponseLen int) (retrypolicy.Status, []byte)

	// Close releases the handle. Safe to call more than once.
	Close() error
}

// Transport opens handles for a bus path. BusPath is an unsigned bus number
// per spec §3; identity.Source and registry.BusPath both key off the same
// value, duplicated here (as plain uint) so that transport does not import
// registry.
type Transport interface {
	Open(busPath uint, readOnly bool) (Handle, error)
}
