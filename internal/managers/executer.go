// Package managers implements the manager update executer: it coalesces
// state change signals and pushes full status snapshots to all connected
// manager nodes.
package managers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vigil-hq/vigil/internal/events"
	"github.com/vigil-hq/vigil/internal/metrics"
	"github.com/vigil-hq/vigil/internal/protocol"
	"github.com/vigil-hq/vigil/internal/storage"
	"github.com/vigil-hq/vigil/internal/telemetry"
)

// Fanout is the session side the executer needs. Implemented by the session
// registry.
type Fanout interface {
	// PushStatusToManagers delivers a snapshot to every connected manager
	// session and returns how many were targeted.
	PushStatusToManagers(status *protocol.StatusPush) int
}

// Executer coalesces dirty marks into one snapshot push per wake. Any number
// of state changes between wakes collapses into a single fan-out; a forced
// interval bounds how stale a manager can get when no events arrive.
type Executer struct {
	logger *zap.Logger
	store  storage.Storage
	bus    *events.Bus
	fanout Fanout

	forcedInterval time.Duration

	dirty chan struct{}
}

// NewExecuter builds the executer. forcedInterval bounds the time between
// two pushes regardless of events.
func NewExecuter(logger *zap.Logger, store storage.Storage, bus *events.Bus, fanout Fanout, forcedInterval time.Duration) *Executer {
	return &Executer{
		logger:         logger.Named("managers"),
		store:          store,
		bus:            bus,
		fanout:         fanout,
		forcedInterval: forcedInterval,
		dirty:          make(chan struct{}, 1),
	}
}

// MarkDirty requests a snapshot push. Never blocks; marks collapse while a
// push is outstanding.
func (e *Executer) MarkDirty() {
	select {
	case e.dirty <- struct{}{}:
	default:
	}
}

// Run pushes until ctx is cancelled.
func (e *Executer) Run(ctx context.Context) {
	wake := e.bus.Subscribe(
		events.TopicStateChanged,
		events.TopicNodeConnected,
		events.TopicNodeDisconnected,
		events.TopicOptionChanged,
	)
	defer e.bus.Unsubscribe(wake)

	ticker := time.NewTicker(e.forcedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-e.dirty:
		case <-ticker.C:
		}
		e.PushOnce(ctx)
	}
}

// PushOnce snapshots the persisted state and fans it out to the connected
// managers. Exported through Run; callable directly for a forced push.
func (e *Executer) PushOnce(ctx context.Context) {
	// Drain a dirty mark raised while the previous push was running.
	select {
	case <-e.dirty:
	default:
	}

	status, err := e.snapshot()
	if err != nil {
		e.logger.Error("snapshot state", zap.Error(err))
		return
	}

	_, span := telemetry.StartFanoutSpan(ctx, len(status.Managers))
	n := e.fanout.PushStatusToManagers(status)
	span.End()

	if n > 0 {
		metrics.ManagerPushesTotal.Inc()
		e.logger.Debug("status pushed", zap.Int("managers", n))
	}
}

func (e *Executer) snapshot() (*protocol.StatusPush, error) {
	status := &protocol.StatusPush{ServerTime: time.Now().Unix()}

	options, err := e.store.Options()
	if err != nil {
		return nil, err
	}
	for _, o := range options {
		status.Options = append(status.Options, protocol.OptionInfo{Type: o.Type, Value: o.Value})
	}

	nodes, err := e.store.Nodes()
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		status.Nodes = append(status.Nodes, protocol.NodeInfo{
			NodeID:     n.ID,
			Hostname:   n.Hostname,
			NodeType:   n.NodeType,
			Instance:   n.Instance,
			Connected:  n.Connected,
			Version:    n.Version,
			Rev:        n.Rev,
			Username:   n.Username,
			Persistent: n.Persistent,
		})
	}

	sensors, err := e.store.Sensors()
	if err != nil {
		return nil, err
	}
	for _, s := range sensors {
		status.Sensors = append(status.Sensors, protocol.SensorInfo{
			NodeID:           s.NodeID,
			SensorID:         s.ID,
			ClientSensorID:   s.ClientSensorID,
			AlertDelay:       s.AlertDelay,
			AlertLevels:      s.AlertLevels,
			Description:      s.Description,
			LastStateUpdated: s.LastStateUpdated,
			State:            s.State,
			DataType:         s.DataType,
			Data:             s.Data,
		})
	}

	alerts, err := e.store.Alerts()
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		status.Alerts = append(status.Alerts, protocol.AlertInfo{
			NodeID:        a.NodeID,
			AlertID:       a.ID,
			ClientAlertID: a.ClientAlertID,
			AlertLevels:   a.AlertLevels,
			Description:   a.Description,
		})
	}

	mgrs, err := e.store.Managers()
	if err != nil {
		return nil, err
	}
	for _, m := range mgrs {
		status.Managers = append(status.Managers, protocol.ManagerInfo{
			NodeID:      m.NodeID,
			ManagerID:   m.ID,
			Description: m.Description,
		})
	}

	return status, nil
}
