package server

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vigil-hq/vigil/internal/events"
	"github.com/vigil-hq/vigil/internal/storage"
)

// OptionExecuter applies manager-initiated option changes, immediately or
// after a delay. A newer request for the same option cancels a pending one.
type OptionExecuter struct {
	logger   *zap.Logger
	store    storage.Storage
	bus      *events.Bus
	registry *Registry

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

// NewOptionExecuter creates the executer.
func NewOptionExecuter(logger *zap.Logger, store storage.Storage, bus *events.Bus, registry *Registry) *OptionExecuter {
	return &OptionExecuter{
		logger:   logger.Named("options"),
		store:    store,
		bus:      bus,
		registry: registry,
		pending:  make(map[string]*time.Timer),
	}
}

// Execute applies the option change after delay. Delay zero applies
// synchronously.
func (e *OptionExecuter) Execute(optionType string, value float64, delay time.Duration) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if t, ok := e.pending[optionType]; ok {
		t.Stop()
		delete(e.pending, optionType)
		e.logger.Info("pending option change cancelled", zap.String("option", optionType))
	}
	if delay <= 0 {
		e.mu.Unlock()
		e.apply(optionType, value)
		return
	}
	e.pending[optionType] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.pending, optionType)
		stopped := e.stopped
		e.mu.Unlock()
		if !stopped {
			e.apply(optionType, value)
		}
	})
	e.mu.Unlock()
	e.logger.Info("option change scheduled",
		zap.String("option", optionType),
		zap.Float64("value", value),
		zap.Duration("delay", delay))
}

// Stop cancels all pending changes.
func (e *OptionExecuter) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	for name, t := range e.pending {
		t.Stop()
		delete(e.pending, name)
	}
}

func (e *OptionExecuter) apply(optionType string, value float64) {
	if err := e.store.SetOption(optionType, value); err != nil {
		e.logger.Error("persist option", zap.String("option", optionType), zap.Error(err))
		return
	}
	e.logger.Info("option changed", zap.String("option", optionType), zap.Float64("value", value))
	e.bus.Publish(events.Event{Topic: events.TopicOptionChanged})
	e.bus.Publish(events.Event{Topic: events.TopicStateChanged})

	// Deactivating the alarm system tells every alert node to stand down.
	if optionType == storage.OptionAlertSystemActive && value == 0 {
		e.registry.PushSensorAlertsOff()
	}
}
