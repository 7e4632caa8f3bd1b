// Package protocol defines the wire protocol between the alarm server and its
// nodes. Both sides import this package to ensure type safety.
package protocol

import "encoding/json"

// Version is the protocol version the server speaks. Peers whose major
// version differs are rejected during the handshake.
const Version = 0.3

// Rev is the protocol revision within Version. Revisions are backwards
// compatible; they are exchanged for diagnostics only.
const Rev = 1

// Message names the RPC carried by an envelope.
type Message string

const (
	// Handshake, in order. The peer initiates all three.
	MsgRegVersion     Message = "regversion"
	MsgAuthentication Message = "authentication"
	MsgRegistration   Message = "registration"

	// Steady state, node → server.
	MsgPing        Message = "ping"
	MsgSensorAlert Message = "sensoralert"
	MsgStateChange Message = "statechange"
	MsgOption      Message = "option"
	MsgSensorError Message = "sensorerror"

	// Steady state, server → node.
	MsgStatus          Message = "status"
	MsgSensorAlertsOff Message = "sensoralertsoff"
)

// Result codes carried in every reply payload.
type Result string

const (
	ResultOK            Result = "ok"
	ResultExpired       Result = "expired"
	ResultVersionMisfit Result = "versionmisfit"
	ResultTypeMisfit    Result = "typemisfit"
	ResultReachedLimit  Result = "reachedlimit"
	ResultError         Result = "error"
)

// NodeType classifies a connected node.
type NodeType string

const (
	NodeSensor  NodeType = "sensor"
	NodeAlert   NodeType = "alert"
	NodeManager NodeType = "manager"
	NodeServer  NodeType = "server"
)

// Valid reports whether t is a node type a peer may register as.
func (t NodeType) Valid() bool {
	switch t {
	case NodeSensor, NodeAlert, NodeManager:
		return true
	}
	return false
}

// DataType describes the payload a sensor carries alongside its state.
type DataType int

const (
	DataNone DataType = iota
	DataInt
	DataFloat
)

// Envelope wraps every message on the wire. Payload is decoded in a second
// pass based on the Message field.
type Envelope struct {
	ClientTime float64         `json:"clientTime"`
	Message    Message         `json:"message"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Reply is the common part of every response payload.
type Reply struct {
	Result Result `json:"result"`
}

// RegVersionRequest opens the handshake.
type RegVersionRequest struct {
	Version float64 `json:"version"`
	Rev     int     `json:"rev"`
}

// RegVersionReply answers regversion with the server's own version.
type RegVersionReply struct {
	Reply
	Version float64 `json:"version"`
	Rev     int     `json:"rev"`
}

// AuthenticationRequest carries the node credentials.
type AuthenticationRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegistrationRequest completes the handshake. Which fields are populated
// depends on the node type: sensor nodes send Sensors, alert nodes send
// Alerts, manager nodes send Manager.
type RegistrationRequest struct {
	Hostname   string      `json:"hostname"`
	NodeType   NodeType    `json:"nodeType"`
	Instance   string      `json:"instance"`
	Persistent int         `json:"persistent"`
	Sensors    []SensorReg `json:"sensors,omitempty"`
	Alerts     []AlertReg  `json:"alerts,omitempty"`
	Manager    *ManagerReg `json:"manager,omitempty"`
}

// SensorReg describes one sensor in a sensor node registration.
type SensorReg struct {
	ClientSensorID int         `json:"clientSensorId"`
	AlertDelay     int         `json:"alertDelay"`
	AlertLevels    []int       `json:"alertLevels"`
	Description    string      `json:"description"`
	State          int         `json:"state"`
	DataType       DataType    `json:"dataType"`
	Data           json.Number `json:"data,omitempty"`
}

// AlertReg describes one alert in an alert node registration.
type AlertReg struct {
	ClientAlertID int    `json:"clientAlertId"`
	AlertLevels   []int  `json:"alertLevels"`
	Description   string `json:"description"`
}

// ManagerReg describes the manager in a manager node registration.
type ManagerReg struct {
	Description string `json:"description"`
}

// PingRequest is the liveness probe. It has no payload beyond the envelope.
type PingRequest struct{}

// SensorAlertRequest is sent by a sensor node when one of its sensors
// triggers.
type SensorAlertRequest struct {
	ClientSensorID  int             `json:"clientSensorId"`
	State           int             `json:"state"`
	HasOptionalData bool            `json:"hasOptionalData"`
	OptionalData    json.RawMessage `json:"optionalData,omitempty"`
	ChangeState     bool            `json:"changeState"`
	HasLatestData   bool            `json:"hasLatestData"`
	DataType        DataType        `json:"dataType"`
	Data            json.Number     `json:"data,omitempty"`
}

// SensorAlertPush is sent by the server to alert nodes when an alert level
// fires.
type SensorAlertPush struct {
	SensorID        int64           `json:"sensorId"`
	State           int             `json:"state"`
	AlertLevels     []int           `json:"alertLevels"`
	Description     string          `json:"description"`
	RulesActivated  bool            `json:"rulesActivated"`
	HasOptionalData bool            `json:"hasOptionalData"`
	OptionalData    json.RawMessage `json:"optionalData,omitempty"`
	ChangeState     bool            `json:"changeState"`
	HasLatestData   bool            `json:"hasLatestData"`
	DataType        DataType        `json:"dataType"`
	Data            json.Number     `json:"data,omitempty"`
}

// StateChangeRequest reports a sensor state or data change without an alert.
type StateChangeRequest struct {
	ClientSensorID int         `json:"clientSensorId"`
	State          int         `json:"state"`
	DataType       DataType    `json:"dataType"`
	Data           json.Number `json:"data,omitempty"`
}

// OptionRequest toggles a server option, optionally after a delay.
type OptionRequest struct {
	OptionType string  `json:"optionType"`
	Value      float64 `json:"value"`
	TimeDelay  int     `json:"timeDelay"`
}

// SensorErrorRequest reports an internal fault of a remote sensor.
type SensorErrorRequest struct {
	ClientSensorID int    `json:"clientSensorId"`
	Error          string `json:"error"`
}

// StatusPush synchronizes a node's view of the server state. Manager nodes
// receive the full snapshot; sensor and alert nodes receive only Options and
// ServerTime.
type StatusPush struct {
	ServerTime int64         `json:"serverTime"`
	Options    []OptionInfo  `json:"options"`
	Nodes      []NodeInfo    `json:"nodes,omitempty"`
	Sensors    []SensorInfo  `json:"sensors,omitempty"`
	Alerts     []AlertInfo   `json:"alerts,omitempty"`
	Managers   []ManagerInfo `json:"managers,omitempty"`
}

// OptionInfo is one server option in a status push.
type OptionInfo struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

// NodeInfo is one node in a status push.
type NodeInfo struct {
	NodeID     int64    `json:"nodeId"`
	Hostname   string   `json:"hostname"`
	NodeType   NodeType `json:"nodeType"`
	Instance   string   `json:"instance"`
	Connected  int      `json:"connected"`
	Version    float64  `json:"version"`
	Rev        int      `json:"rev"`
	Username   string   `json:"username"`
	Persistent int      `json:"persistent"`
}

// SensorInfo is one sensor in a status push.
type SensorInfo struct {
	NodeID           int64       `json:"nodeId"`
	SensorID         int64       `json:"sensorId"`
	ClientSensorID   int         `json:"clientSensorId"`
	AlertDelay       int         `json:"alertDelay"`
	AlertLevels      []int       `json:"alertLevels"`
	Description      string      `json:"description"`
	LastStateUpdated int64       `json:"lastStateUpdated"`
	State            int         `json:"state"`
	DataType         DataType    `json:"dataType"`
	Data             json.Number `json:"data,omitempty"`
}

// AlertInfo is one alert in a status push.
type AlertInfo struct {
	NodeID        int64  `json:"nodeId"`
	AlertID       int64  `json:"alertId"`
	ClientAlertID int    `json:"clientAlertId"`
	AlertLevels   []int  `json:"alertLevels"`
	Description   string `json:"description"`
}

// ManagerInfo is one manager in a status push.
type ManagerInfo struct {
	NodeID      int64  `json:"nodeId"`
	ManagerID   int64  `json:"managerId"`
	Description string `json:"description"`
}
