package transport

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"
	"github.com/kgretry/ddcadapt/internal/retrypolicy"
	"github.com/pkg/term"
)

// Outcome is one scripted response for a single WriteRead call against a
// PTYFlakyTransport handle.
type Outcome struct {
	Status   retrypolicy.Status
	Response []byte
}

// PTYFlakyTransport is a transport test double that actually round-trips
// bytes through a real pseudo-terminal pair, so tests exercise the same
// byte-oriented read/write path as SerialBridgeTransport. Grounded on the
// teacher's kisspt_open_pt (src/kiss.go), which opens a pty pair with
// github.com/creack/pty for its KISS-over-pseudo-terminal listener; here the
// slave side is driven by a scripted device goroutine instead of a real TNC.
//
// Each bus path gets its own pty pair and its own outcome script. Calls to
// WriteRead beyond the end of a bus's script repeat the last scripted
// outcome, so a short script can express "fail N times then succeed
// forever".
type PTYFlakyTransport struct {
	mu       sync.Mutex
	scripts  map[uint][]Outcome
	expected map[uint]int
}

// NewPTYFlakyTransport returns a transport with no buses configured yet; use
// SetScript to program one before the engine calls Open for that bus.
func NewPTYFlakyTransport() *PTYFlakyTransport {
	return &PTYFlakyTransport{
		scripts:  make(map[uint][]Outcome),
		expected: make(map[uint]int),
	}
}

// SetScript installs the outcome sequence for busPath. expectedResponseLen
// is the length every handle.WriteRead call on this bus will request; the
// device goroutine pads or truncates scripted responses to that length.
func (t *PTYFlakyTransport) SetScript(busPath uint, expectedResponseLen int, outcomes []Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.scripts[busPath] = outcomes
	t.expected[busPath] = expectedResponseLen
}

func (t *PTYFlakyTransport) Open(busPath uint, readOnly bool) (Handle, error) {
	t.mu.Lock()
	var script = t.scripts[busPath]
	var expectedLen = t.expected[busPath]
	t.mu.Unlock()

	var ptmx, pts, err = pty.Open()
	if err != nil {
		return nil, err
	}

	// Put the slave side in raw mode (no line buffering, echo, or newline
	// translation) so request and response bytes pass through unchanged.
	var raw, rawErr = term.Open(pts.Name(), term.RawMode)
	if rawErr != nil {
		ptmx.Close()
		pts.Close()

		return nil, rawErr
	}
	raw.Close()

	var h = &flakyHandle{
		ptmx:        ptmx,
		pts:         pts,
		script:      script,
		expectedLen: expectedLen,
	}
	h.startDevice()

	return h, nil
}

type flakyHandle struct {
	mu          sync.Mutex
	ptmx, pts   *os.File
	script      []Outcome
	expectedLen int
	callIndex   atomic.Int64
	closed      atomic.Bool
}

// startDevice runs the scripted "monitor" side of the link: for every
// request it reads on the slave fd, it writes back the response of the
// outcome scripted for the WriteRead call that sent it, padded/truncated to
// expectedLen.
func (h *flakyHandle) startDevice() {
	go func() {
		var buf = make([]byte, 4096)
		for {
			var n, err = h.pts.Read(buf)
			if err != nil || n == 0 {
				return
			}
			if h.closed.Load() {
				return
			}

			// WriteRead advances callIndex before writing the request, so
			// the call being answered is the one before it.
			var idx = int(h.callIndex.Load()) - 1
			if idx < 0 {
				idx = 0
			}
			var outcome = h.outcomeFor(idx)

			var response = make([]byte, h.expectedLen)
			copy(response, outcome.Response)

			if _, err := h.pts.Write(response); err != nil {
				return
			}
		}
	}()
}

func (h *flakyHandle) outcomeFor(idx int) Outcome {
	if len(h.script) == 0 {
		return Outcome{Status: retrypolicy.Ok, Response: make([]byte, h.expectedLen)}
	}
	if idx >= len(h.script) {
		return h.script[len(h.script)-1]
	}

	return h.script[idx]
}

func (h *flakyHandle) WriteRead(request []byte, expectedResponseLen int) (retrypolicy.Status, []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var idx = int(h.callIndex.Load())
	var outcome = h.outcomeFor(idx)
	h.callIndex.Add(1)

	if _, err := h.ptmx.Write(request); err != nil {
		return retrypolicy.IoTransient, nil
	}

	var response = make([]byte, expectedResponseLen)
	var got int
	for got < expectedResponseLen {
		var n, err = h.ptmx.Read(response[got:])
		if n > 0 {
			got += n

			continue
		}
		if err != nil {
			break
		}
	}

	return outcome.Status, response[:got]
}

func (h *flakyHandle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}

	var err1 = h.ptmx.Close()
	var err2 = h.pts.Close()
	if err1 != nil {
		return err1
	}

	return err2
}
