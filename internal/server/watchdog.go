package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vigil-hq/vigil/internal/metrics"
	"github.com/vigil-hq/vigil/internal/notify"
	"github.com/vigil-hq/vigil/internal/storage"
)

// Watchdog evicts sessions that stopped talking and raises a debounced
// notification for persistent nodes that are absent.
type Watchdog struct {
	logger   *zap.Logger
	registry *Registry
	store    storage.Storage
	notifier notify.Notifier

	connectionTimeout time.Duration

	// failCounts tracks how many consecutive cycles a persistent node has
	// been absent; presence in the map means an unreached notification is
	// active for it.
	failCounts map[string]int
}

// NewWatchdog creates the watchdog.
func NewWatchdog(logger *zap.Logger, registry *Registry, store storage.Storage, notifier notify.Notifier, connectionTimeout time.Duration) *Watchdog {
	return &Watchdog{
		logger:            logger.Named("watchdog"),
		registry:          registry,
		store:             store,
		notifier:          notifier,
		connectionTimeout: connectionTimeout,
		failCounts:        make(map[string]int),
	}
}

// Run ticks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.connectionTimeout / 2
	if interval > 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cycle(time.Now())
		}
	}
}

// cycle runs one check pass. Exported through Run; split out for tests.
func (w *Watchdog) cycle(now time.Time) {
	for _, s := range w.registry.Sessions() {
		if now.Sub(s.LastRecv()) > w.connectionTimeout {
			w.logger.Info("evicting stale session",
				zap.String("username", s.Username()),
				zap.String("nodeType", string(s.NodeType())))
			metrics.WatchdogEvictionsTotal.Inc()
			s.Close()
		}
	}
	w.checkPersistentNodes()
}

func (w *Watchdog) checkPersistentNodes() {
	nodes, err := w.store.Nodes()
	if err != nil {
		w.logger.Warn("list nodes", zap.Error(err))
		return
	}
	for _, n := range nodes {
		if n.Persistent != 1 {
			continue
		}
		if w.registry.Lookup(n.Username, n.NodeType) != nil {
			if _, active := w.failCounts[n.Username]; active {
				delete(w.failCounts, n.Username)
				if err := w.notifier.SendCommunicationAlertClear(n.Hostname, n.Username); err != nil {
					w.logger.Warn("send clear notification", zap.Error(err))
				}
			}
			continue
		}

		count, active := w.failCounts[n.Username]
		w.failCounts[n.Username] = count + 1
		if !active {
			// First absent cycle: notify once, then stay quiet until the
			// node reconnects.
			if err := w.notifier.SendCommunicationAlert(n.Hostname, n.Username, count+1); err != nil {
				w.logger.Warn("send unreached notification", zap.Error(err))
			}
		}
	}
}
