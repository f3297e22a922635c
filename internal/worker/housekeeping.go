package worker

import (
	"context"
	"time"

	"github.com/srg/ktd/internal/groutine"
)

// housekeeper runs the idle/timer background work: a rotating Vacuum
// sweep across every open DB and, on a slower period, a
// Synchronize(hard) pass.
type housekeeper struct {
	registry *Registry
	cancel   context.CancelFunc
	done     chan struct{}
}

// startHousekeeper launches the background loop under groutine.Go so
// panics are captured with the worker's goroutine name tagging. idle is
// the per-DB vacuum-sweep period; sync is the hard-synchronize period.
func startHousekeeper(ctx context.Context, registry *Registry, idle, sync time.Duration) *housekeeper {
	ctx, cancel := context.WithCancel(ctx)
	h := &housekeeper{registry: registry, cancel: cancel, done: make(chan struct{})}

	groutine.Go(ctx, "worker.housekeeper", func(ctx context.Context) {
		defer close(h.done)
		idleTick := time.NewTicker(idle)
		syncTick := time.NewTicker(sync)
		defer idleTick.Stop()
		defer syncTick.Stop()

		var rotation int
		for {
			select {
			case <-ctx.Done():
				return
			case <-idleTick.C:
				dbs := registry.All()
				if len(dbs) == 0 {
					continue
				}
				db := dbs[rotation%len(dbs)]
				rotation++
				for i := 0; i < 4; i++ {
					if err := db.Vacuum(1); err != nil {
						break
					}
				}
			case <-syncTick.C:
				for _, db := range registry.All() {
					_ = db.Synchronize(true)
				}
			}
		}
	})

	return h
}

// Stop ends the housekeeping loop and waits for it to exit.
func (h *housekeeper) Stop() {
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}
