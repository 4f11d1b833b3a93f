package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kgretry/ddcadapt/internal/retrypolicy"
	"github.com/pkg/term"
)

// SerialBridgeTransport drives I²C through a USB-serial DDC bridge adapter
// exposed as a tty device, one handle per bus path. Grounded on the
// teacher's serial_port_open/_write/_get1/_close quartet (src/serial_port.go),
// generalised from a single fixed device into a per-bus-path device-name
// lookup and from raw byte relay into a length-delimited write_read.
type SerialBridgeTransport struct {
	// DeviceForBus maps a bus path to its backing tty device, e.g.
	// 2 -> "/dev/ttyUSB0". Callers populate this at startup from config.
	DeviceForBus map[uint]string
	Baud         int
	ReadTimeout  time.Duration
}

// NewSerialBridgeTransport returns a transport with the teacher's default
// baud rate (4800, serial_port_open's fallback for an unrecognised speed)
// and a conservative per-byte read timeout.
func NewSerialBridgeTransport(deviceForBus map[uint]string) *SerialBridgeTransport {
	return &SerialBridgeTransport{
		DeviceForBus: deviceForBus,
		Baud:         4800,
		ReadTimeout:  250 * time.Millisecond,
	}
}

func (t *SerialBridgeTransport) Open(busPath uint, readOnly bool) (Handle, error) {
	var device, ok = t.DeviceForBus[busPath]
	if !ok {
		return nil, fmt.Errorf("transport: no serial device configured for bus %d", busPath)
	}

	var tm, err = term.Open(device, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", device, err)
	}

	switch t.Baud {
	case 0:
	case 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200:
		if err := tm.SetSpeed(t.Baud); err != nil {
			tm.Close()

			return nil, fmt.Errorf("transport: set speed on %s: %w", device, err)
		}
	default:
		if err := tm.SetSpeed(4800); err != nil {
			tm.Close()

			return nil, fmt.Errorf("transport: set fallback speed on %s: %w", device, err)
		}
	}

	if t.ReadTimeout > 0 {
		if err := tm.SetReadTimeout(t.ReadTimeout); err != nil {
			tm.Close()

			return nil, fmt.Errorf("transport: set read timeout on %s: %w", device, err)
		}
	}

	return &serialHandle{tm: tm, readTimeout: t.ReadTimeout}, nil
}

type serialHandle struct {
	mu          sync.Mutex
	tm          *term.Term
	readTimeout time.Duration
	closed      bool
}

func (h *serialHandle) WriteRead(request []byte, expectedResponseLen int) (retrypolicy.Status, []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return retrypolicy.IoFatal, nil
	}

	var written, err = h.tm.Write(request)
	if err != nil || written != len(request) {
		return classifyIOError(err), nil
	}

	var response = make([]byte, expectedResponseLen)
	var got int
	for got < expectedResponseLen {
		var one = make([]byte, 1)
		var n, rerr = h.tm.Read(one)
		if n == 1 {
			response[got] = one[0]
			got++

			continue
		}
		if rerr != nil {
			return classifyIOError(rerr), response[:got]
		}

		break
	}

	if got < expectedResponseLen {
		return retrypolicy.IoTransient, response[:got]
	}

	if allZero(response) {
		return retrypolicy.DdcDataError, response
	}

	return retrypolicy.Ok, response
}

func (h *serialHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	return h.tm.Close()
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}

	return len(b) > 0
}

func classifyIOError(err error) retrypolicy.Status {
	switch {
	case err == nil:
		return retrypolicy.IoTransient
	case errors.Is(err, io.EOF):
		return retrypolicy.IoTransient
	case errors.Is(err, os.ErrPermission):
		return retrypolicy.PermissionDenied
	case errors.Is(err, os.ErrNotExist):
		return retrypolicy.DeviceNotFound
	default:
		return retrypolicy.IoTransient
	}
}
