// Package alerts implements the sensor alert executer: it consumes the
// persisted sensor alert queue, decides per alert level whether a firing is
// due, and fans firings out to the connected alert nodes.
package alerts

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vigil-hq/vigil/internal/events"
	"github.com/vigil-hq/vigil/internal/metrics"
	"github.com/vigil-hq/vigil/internal/notify"
	"github.com/vigil-hq/vigil/internal/protocol"
	"github.com/vigil-hq/vigil/internal/rules"
	"github.com/vigil-hq/vigil/internal/storage"
	"github.com/vigil-hq/vigil/internal/telemetry"
)

// Fanout is the session side the executer needs. Implemented by the session
// registry.
type Fanout interface {
	// HasAlertSessions reports whether any connected alert node subscribes
	// to the level.
	HasAlertSessions(level int) bool

	// PushSensorAlert delivers a firing to all subscribed alert sessions
	// and returns how many were targeted.
	PushSensorAlert(level int, push *protocol.SensorAlertPush) int
}

const (
	tickInterval = time.Second

	backoffInitial = 100 * time.Millisecond
	backoffMax     = 5 * time.Second
)

// Executer drains the sensor alert queue. Single goroutine; woken by the
// queue event and by a steady tick so delayed alerts and time windows are
// observed without new input.
type Executer struct {
	logger   *zap.Logger
	store    storage.Storage
	bus      *events.Bus
	fanout   Fanout
	notifier notify.Notifier
	levels   map[int]*rules.AlertLevel

	// evalStates holds the rule chain state per rule-based level. Owned by
	// the Run goroutine.
	evalStates map[int]*rules.EvalState

	backoff time.Duration
}

// NewExecuter builds the executer for the configured alert levels.
func NewExecuter(logger *zap.Logger, store storage.Storage, bus *events.Bus, fanout Fanout, notifier notify.Notifier, levels []*rules.AlertLevel) *Executer {
	e := &Executer{
		logger:     logger.Named("alerts"),
		store:      store,
		bus:        bus,
		fanout:     fanout,
		notifier:   notifier,
		levels:     make(map[int]*rules.AlertLevel, len(levels)),
		evalStates: make(map[int]*rules.EvalState),
	}
	for _, l := range levels {
		e.levels[l.Level] = l
		if l.RulesActivated {
			e.evalStates[l.Level] = rules.NewEvalState(l)
		}
	}
	return e
}

// Run processes until ctx is cancelled.
func (e *Executer) Run(ctx context.Context) {
	wake := e.bus.Subscribe(events.TopicSensorAlertQueued)
	defer e.bus.Unsubscribe(wake)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
		e.Process(ctx, time.Now())

		if e.backoff > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.backoff):
			}
		}
	}
}

// Process runs one evaluation pass at the given instant: consume due queue
// entries, then advance every rule chain. Exported through Run; callable
// directly with an injected clock.
func (e *Executer) Process(ctx context.Context, now time.Time) {
	start := time.Now()

	pending, err := e.store.PendingSensorAlerts()
	if err != nil {
		e.logger.Error("fetch sensor alert queue", zap.Error(err))
		e.raiseBackoff()
		return
	}
	e.backoff = 0

	_, span := telemetry.StartEvalSpan(ctx, len(pending))
	defer span.End()

	active, err := e.store.GetOption(storage.OptionAlertSystemActive)
	if err != nil {
		e.logger.Error("read alertSystemActive", zap.Error(err))
		e.raiseBackoff()
		return
	}

	for _, sa := range pending {
		if sa.TimeReceived+int64(sa.AlertDelay) > now.Unix() {
			// Not due yet, stays queued.
			continue
		}
		e.consume(sa, active != 0)
	}

	e.evaluateRules(now, active != 0)
	metrics.ObserveEvalCycle(start)
}

// consume handles one due queue entry across all its sensor's alert levels,
// then removes it from the queue.
func (e *Executer) consume(sa storage.SensorAlert, systemActive bool) {
	sensor, err := e.store.SensorByID(sa.SensorID)
	if err != nil {
		e.logger.Warn("queued alert references unknown sensor",
			zap.Int64("sensorId", sa.SensorID), zap.Error(err))
		e.drop(sa)
		return
	}

	handled := false
	for _, lvl := range sensor.AlertLevels {
		level, ok := e.levels[lvl]
		if !ok {
			e.logger.Warn("sensor references unconfigured alert level",
				zap.Int64("sensorId", sensor.ID), zap.Int("level", lvl))
			continue
		}
		if !systemActive && !level.TriggerAlways {
			continue
		}
		if level.RulesActivated {
			// Rule-based levels fire from the persisted sensor state during
			// chain evaluation, not from the queue entry.
			handled = true
			continue
		}
		if !level.TriggerAlways && !e.fanout.HasAlertSessions(level.Level) {
			continue
		}
		e.fire(level, &protocol.SensorAlertPush{
			SensorID:        sensor.ID,
			State:           sa.State,
			AlertLevels:     []int{level.Level},
			Description:     sensor.Description,
			HasOptionalData: sa.HasOptionalData,
			OptionalData:    sa.OptionalData,
			ChangeState:     sa.ChangeState,
			HasLatestData:   sa.HasLatestData,
			DataType:        sa.DataType,
			Data:            sa.Data,
		})
		handled = true
	}

	if !handled {
		metrics.SensorAlertsDroppedTotal.Inc()
	}
	e.delete(sa)
}

// evaluateRules advances every rule-based level's chain against the
// persisted sensor states.
func (e *Executer) evaluateRules(now time.Time, systemActive bool) {
	sensors := storeSensors{store: e.store}
	for lvl, state := range e.evalStates {
		level := state.Level()
		if !systemActive && !level.TriggerAlways {
			// Chains do not advance while the system is off, so stale
			// partial matches cannot fire on reactivation.
			state.Reset()
			continue
		}
		fired, err := state.Evaluate(now, sensors)
		if err != nil {
			e.logger.Error("evaluate rule chain", zap.Int("level", lvl), zap.Error(err))
			continue
		}
		if !fired {
			continue
		}
		if !level.TriggerAlways && !e.fanout.HasAlertSessions(level.Level) {
			metrics.SensorAlertsDroppedTotal.Inc()
			continue
		}
		e.fire(level, &protocol.SensorAlertPush{
			State:          1,
			AlertLevels:    []int{level.Level},
			Description:    level.Name,
			RulesActivated: true,
		})
	}
}

// fire delivers one firing to the alert sessions and, when configured, by
// mail.
func (e *Executer) fire(level *rules.AlertLevel, push *protocol.SensorAlertPush) {
	n := e.fanout.PushSensorAlert(level.Level, push)
	e.logger.Info("alert level fired",
		zap.Int("level", level.Level),
		zap.String("name", level.Name),
		zap.Int("targets", n))
	metrics.FiringsTotal.WithLabelValues(level.Name).Inc()

	if level.SMTPActivated {
		if err := e.notifier.SendSensorAlert(level.Name, level.Level, level.ToAddr, push.Description); err != nil {
			e.logger.Warn("send alert mail", zap.Int("level", level.Level), zap.Error(err))
		}
	}

	// Managers learn about firings through the regular status fan-out.
	e.bus.Publish(events.Event{Topic: events.TopicStateChanged})
}

func (e *Executer) drop(sa storage.SensorAlert) {
	metrics.SensorAlertsDroppedTotal.Inc()
	e.delete(sa)
}

func (e *Executer) delete(sa storage.SensorAlert) {
	if err := e.store.DeleteSensorAlert(sa.ID); err != nil {
		e.logger.Error("delete consumed sensor alert", zap.Int64("id", sa.ID), zap.Error(err))
		e.raiseBackoff()
	}
}

func (e *Executer) raiseBackoff() {
	switch {
	case e.backoff == 0:
		e.backoff = backoffInitial
	case e.backoff < backoffMax:
		e.backoff *= 2
		if e.backoff > backoffMax {
			e.backoff = backoffMax
		}
	}
}

// storeSensors adapts the storage layer to the rule evaluator's sensor view.
type storeSensors struct {
	store storage.Storage
}

func (s storeSensors) SensorState(username string, remoteSensorID int) (int, int64, error) {
	sensor, err := s.store.SensorByAddress(username, remoteSensorID)
	if err != nil {
		return 0, 0, err
	}
	return sensor.State, sensor.LastStateUpdated, nil
}
