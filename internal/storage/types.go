// Package storage persists the alarm system state: nodes, their sensors,
// alerts and managers, the queue of received sensor alerts, and server
// options.
package storage

import (
	"encoding/json"

	"github.com/vigil-hq/vigil/internal/protocol"
)

// Node is one registered client, keyed by username. A username owns at most
// one node row; re-registration updates it in place.
type Node struct {
	ID         int64
	Hostname   string
	Username   string
	NodeType   protocol.NodeType
	Instance   string
	Connected  int
	Version    float64
	Rev        int
	Persistent int
}

// Sensor is one remote sensor of a sensor node. ClientSensorID is the id the
// owning node uses on the wire; ID is server-assigned and stable across
// reconnects.
type Sensor struct {
	ID               int64
	NodeID           int64
	ClientSensorID   int
	Description      string
	State            int
	AlertDelay       int
	AlertLevels      []int
	LastStateUpdated int64
	DataType         protocol.DataType
	Data             json.Number
}

// Alert is one remote alert of an alert node.
type Alert struct {
	ID            int64
	NodeID        int64
	ClientAlertID int
	Description   string
	AlertLevels   []int
}

// Manager is the manager of a manager node.
type Manager struct {
	ID          int64
	NodeID      int64
	Description string
}

// SensorAlert is one queued sensor alert awaiting processing. Rows are
// consumed in id order and deleted once handled.
type SensorAlert struct {
	ID              int64
	SensorID        int64
	State           int
	ChangeState     bool
	HasOptionalData bool
	OptionalData    json.RawMessage
	HasLatestData   bool
	DataType        protocol.DataType
	Data            json.Number
	TimeReceived    int64
	AlertDelay      int
}

// Option is one persisted server option.
type Option struct {
	Type  string
	Value float64
}

// OptionAlertSystemActive is the option gating alert processing. Value 0
// means the alarm system is deactivated.
const OptionAlertSystemActive = "alertSystemActive"
