// Package udevwatch is the hotplug notifier the spec treats as an external
// collaborator (§1: "the display-watch thread that publishes hotplug
// events" is out of scope for the engine itself, but the engine's Redetect
// operation needs something to call it). It watches the udev netlink
// monitor for i2c-dev add/remove events and forwards bus numbers on a
// channel, using github.com/jochenvg/go-udev the same way identity.Source
// does for enumeration.
package udevwatch

import (
	"context"
	"strconv"
	"strings"

	"github.com/jochenvg/go-udev"
)

// Event is one hotplug notification: a bus path plus whether the device was
// added or removed.
type Event struct {
	Bus   uint
	Added bool
}

// Watcher streams i2c-dev hotplug events from the udev netlink socket.
type Watcher struct {
	u udev.Udev
}

// New returns a Watcher backed by a fresh libudev context.
func New() *Watcher {
	return &Watcher{u: udev.Udev{}}
}

// Watch starts monitoring and returns a channel of events. The channel is
// closed when ctx is cancelled or the monitor fails irrecoverably.
func (w *Watcher) Watch(ctx context.Context) (<-chan Event, error) {
	var mon = w.u.NewMonitorFromNetlink("udev")

	if err := mon.FilterAddMatchSubsystem("i2c-dev"); err != nil {
		return nil, err
	}

	var deviceCh, errCh = mon.DeviceChan(ctx)

	var out = make(chan Event)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errCh:
				if !ok {
					return
				}
				if err != nil {
					return
				}
			case dev, ok := <-deviceCh:
				if !ok {
					return
				}

				var bus, busOk = busFromSysname(dev.Sysname())
				if !busOk {
					continue
				}

				var added = dev.Action() == "add" || dev.Action() == "bind"

				select {
				case out <- Event{Bus: bus, Added: added}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// busFromSysname parses "i2c-<n>" into its bus number.
func busFromSysname(sysname string) (uint, bool) {
	var n, ok = strings.CutPrefix(sysname, "i2c-")
	if !ok {
		return 0, false
	}

	var bus, err = strconv.ParseUint(n, 10, 32)
	if err != nil {
		return 0, false
	}

	return uint(bus), true
}
