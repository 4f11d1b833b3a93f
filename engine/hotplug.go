package engine

import (
	"context"

	"github.com/kgretry/ddcadapt/internal/registry"
	"github.com/kgretry/ddcadapt/internal/udevwatch"
)

// WatchHotplug subscribes to udev i2c-dev add/remove events and triggers a
// Redetect for the affected bus on every add, until ctx is cancelled. This
// is the supplemented hot-reload path the spec's §1 purpose statement calls
// for ("surfaces... a hot-reload path when monitors are connected or
// disconnected") but scopes as an external collaborator; the engine only
// needs something to call Redetect when it fires.
func (e *Engine) WatchHotplug(ctx context.Context, w *udevwatch.Watcher) error {
	var events, err = w.Watch(ctx)
	if err != nil {
		return err
	}

	go func() {
		for ev := range events {
			if !ev.Added {
				continue
			}

			if err := e.Redetect(ctx, []registry.BusPath{registry.BusPath(ev.Bus)}); err != nil {
				e.log.Warn("hotplug redetect failed", "bus", ev.Bus, "err", err)
			}
		}
	}()

	return nil
}
