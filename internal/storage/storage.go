package storage

import (
	"database/sql"
	"errors"

	"github.com/vigil-hq/vigil/internal/protocol"
)

// Storage is the persistence contract the server runs against. Two
// implementations exist, sqlite and mysql, both backed by the shared
// database/sql code in this package.
type Storage interface {
	// UpsertNode inserts or updates the node row for username and returns
	// its id. Connected is set to 1.
	UpsertNode(username, hostname string, nodeType protocol.NodeType, instance string, version float64, rev, persistent int) (int64, error)

	// MarkNodeConnected flips the connected flag of a node.
	MarkNodeConnected(nodeID int64, connected int) error

	// SyncSensors reconciles the sensors of a node with the registered set:
	// known client sensor ids are updated, new ones inserted, missing ones
	// deleted together with their queued alerts.
	SyncSensors(nodeID int64, sensors []protocol.SensorReg, now int64) error

	// SyncAlerts reconciles the alerts of a node with the registered set.
	SyncAlerts(nodeID int64, alerts []protocol.AlertReg) error

	// UpsertManager inserts or updates the manager row of a node.
	UpsertManager(nodeID int64, description string) error

	// SensorByAddress resolves a wire address (owning username plus the
	// node-local sensor id) to the sensor row. Returns a not-found error,
	// checkable with IsNotFound, when no such sensor exists.
	SensorByAddress(username string, clientSensorID int) (*Sensor, error)

	// UpdateSensorState sets state and lastStateUpdated of a sensor.
	UpdateSensorState(sensorID int64, state int, updatedAt int64) error

	// UpdateSensorData sets the data payload of a sensor.
	UpdateSensorData(sensorID int64, dataType protocol.DataType, data string) error

	// AddSensorAlert appends one entry to the sensor alert queue.
	AddSensorAlert(sa SensorAlert) error

	// PendingSensorAlerts returns the queue in id order (oldest first).
	PendingSensorAlerts() ([]SensorAlert, error)

	// DeleteSensorAlert removes one handled queue entry.
	DeleteSensorAlert(id int64) error

	// Snapshot reads for manager status pushes and startup checks.
	Nodes() ([]Node, error)
	Sensors() ([]Sensor, error)
	Alerts() ([]Alert, error)
	Managers() ([]Manager, error)
	SensorByID(sensorID int64) (*Sensor, error)

	// SensorAlertLevels returns the distinct alert levels referenced by any
	// sensor; AlertAlertLevels the same for alert clients. Both feed the
	// startup cross-check against the configured levels.
	SensorAlertLevels() ([]int, error)
	AlertAlertLevels() ([]int, error)

	// Options.
	GetOption(optionType string) (float64, error)
	SetOption(optionType string, value float64) error
	Options() ([]Option, error)

	Close() error
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
