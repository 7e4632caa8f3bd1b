package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigil-hq/vigil/internal/events"
	"github.com/vigil-hq/vigil/internal/metrics"
	"github.com/vigil-hq/vigil/internal/protocol"
	"github.com/vigil-hq/vigil/internal/storage"
	"github.com/vigil-hq/vigil/internal/users"
)

// State is the session lifecycle. Transitions only move forward; any error
// jumps to Closed.
type State int

const (
	StateAccepted State = iota
	StateVersioned
	StateAuthenticated
	StateRegistered
	StateActive
	StateClosed
)

// Deps bundles what every session needs. One Deps value is shared by all
// sessions of a server.
type Deps struct {
	Logger   *zap.Logger
	Store    storage.Storage
	Users    users.Backend
	Bus      *events.Bus
	Registry *Registry
	Options  *OptionExecuter

	ReceiveTimeout    time.Duration
	ConnectionTimeout time.Duration
}

// Session is one connected node. A single reader goroutine owns all socket
// reads and routes each frame either to the RPC dispatcher or to the one
// pending server-initiated exchange.
type Session struct {
	id   string
	conn net.Conn
	deps Deps
	log  *zap.Logger

	state      atomic.Int32
	username   string
	hostname   string
	authType   protocol.NodeType
	nodeType   protocol.NodeType
	persistent int
	nodeID     int64

	levelsMu    sync.Mutex
	alertLevels map[int]bool

	lastRecv atomic.Int64

	writeMu sync.Mutex

	pendingMu  sync.Mutex
	pendingMsg protocol.Message
	pendingCh  chan *protocol.Envelope

	out *sender

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps an accepted connection. Run must be called to start it.
func NewSession(conn net.Conn, deps Deps) *Session {
	s := &Session{
		id:          uuid.NewString(),
		conn:        conn,
		deps:        deps,
		log:         deps.Logger.Named("session").With(zap.String("remote", conn.RemoteAddr().String())),
		alertLevels: make(map[int]bool),
		done:        make(chan struct{}),
	}
	s.lastRecv.Store(time.Now().UnixNano())
	s.out = newSender(s)
	return s
}

// ID returns the stable session handle.
func (s *Session) ID() string { return s.id }

// Username returns the authenticated username, empty before authentication.
func (s *Session) Username() string { return s.username }

// NodeType returns the registered node type.
func (s *Session) NodeType() protocol.NodeType { return s.nodeType }

// LastRecv returns the time of the last successfully received message.
func (s *Session) LastRecv() time.Time { return time.Unix(0, s.lastRecv.Load()) }

// Push schedules a server-initiated request on the session's sender and
// returns its completion channel.
func (s *Session) Push(msg protocol.Message, payload any, critical bool) <-chan error {
	return s.out.enqueue(msg, payload, critical)
}

// Close force closes the session. Safe to call from any goroutine and more
// than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()

		if State(s.state.Load()) >= StateRegistered {
			registered := s.deps.Registry.unregister(s)
			if registered {
				if err := s.deps.Store.MarkNodeConnected(s.nodeID, 0); err != nil {
					s.log.Warn("mark node disconnected", zap.Error(err))
				}
				s.deps.Bus.Publish(events.Event{
					Topic:    events.TopicNodeDisconnected,
					Username: s.username,
					NodeType: string(s.nodeType),
				})
			}
		}
		s.state.Store(int32(StateClosed))
	})
}

// Run drives the session until it closes: handshake first, then the steady
// state read loop. Blocks; callers run it on its own goroutine.
func (s *Session) Run() {
	defer s.Close()
	go s.out.run()

	if err := s.handshake(); err != nil {
		s.log.Info("handshake failed", zap.Error(err))
		return
	}

	s.log.Info("node active",
		zap.String("username", s.username),
		zap.String("nodeType", string(s.nodeType)))

	for {
		env, err := s.read(s.deps.ConnectionTimeout + s.deps.ReceiveTimeout)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed() {
				s.log.Info("read failed", zap.Error(err))
			}
			return
		}

		if s.routeReply(env) {
			continue
		}
		if err := s.dispatch(env); err != nil {
			s.log.Info("rpc failed", zap.String("message", string(env.Message)), zap.Error(err))
			return
		}
	}
}

// handshake runs the three fixed-order exchanges: regversion,
// authentication, registration.
func (s *Session) handshake() error {
	// regversion
	env, err := s.read(s.deps.ReceiveTimeout)
	if err != nil {
		return err
	}
	if env.Message != protocol.MsgRegVersion {
		return s.fail(env.Message, protocol.ResultError, fmt.Errorf("expected regversion, got %s", env.Message))
	}
	var ver protocol.RegVersionRequest
	if err := protocol.DecodePayload(env, &ver); err != nil {
		return s.fail(env.Message, protocol.ResultError, err)
	}
	if int(ver.Version*10) < int(protocol.Version*10) {
		return s.fail(env.Message, protocol.ResultVersionMisfit,
			fmt.Errorf("peer version %g below %g", ver.Version, protocol.Version))
	}
	if err := s.reply(protocol.MsgRegVersion, protocol.RegVersionReply{
		Reply:   protocol.Reply{Result: protocol.ResultOK},
		Version: protocol.Version,
		Rev:     protocol.Rev,
	}); err != nil {
		return err
	}
	s.state.Store(int32(StateVersioned))

	// authentication
	env, err = s.read(s.deps.ReceiveTimeout)
	if err != nil {
		return err
	}
	if env.Message != protocol.MsgAuthentication {
		return s.fail(env.Message, protocol.ResultError, fmt.Errorf("expected authentication, got %s", env.Message))
	}
	var auth protocol.AuthenticationRequest
	if err := protocol.DecodePayload(env, &auth); err != nil {
		return s.fail(env.Message, protocol.ResultError, err)
	}
	allowedType, ok := s.deps.Users.Authenticate(auth.Username, auth.Password)
	if !ok {
		return s.fail(env.Message, protocol.ResultExpired, fmt.Errorf("authentication failed for %q", auth.Username))
	}
	s.username = auth.Username
	s.authType = allowedType
	if err := s.reply(protocol.MsgAuthentication, protocol.Reply{Result: protocol.ResultOK}); err != nil {
		return err
	}
	s.state.Store(int32(StateAuthenticated))

	// registration
	env, err = s.read(s.deps.ReceiveTimeout)
	if err != nil {
		return err
	}
	if env.Message != protocol.MsgRegistration {
		return s.fail(env.Message, protocol.ResultError, fmt.Errorf("expected registration, got %s", env.Message))
	}
	var reg protocol.RegistrationRequest
	if err := protocol.DecodePayload(env, &reg); err != nil {
		return s.fail(env.Message, protocol.ResultError, err)
	}
	if err := s.register(&reg, ver.Version, ver.Rev); err != nil {
		return err
	}
	if err := s.reply(protocol.MsgRegistration, protocol.Reply{Result: protocol.ResultOK}); err != nil {
		return err
	}
	s.state.Store(int32(StateActive))

	s.deps.Bus.Publish(events.Event{
		Topic:    events.TopicNodeConnected,
		Username: s.username,
		NodeType: string(s.nodeType),
	})
	s.pushInitialStatus()
	return nil
}

func (s *Session) register(reg *protocol.RegistrationRequest, version float64, rev int) error {
	if !reg.NodeType.Valid() {
		return s.fail(protocol.MsgRegistration, protocol.ResultTypeMisfit,
			fmt.Errorf("invalid node type %q", reg.NodeType))
	}
	if reg.NodeType != s.authType {
		return s.fail(protocol.MsgRegistration, protocol.ResultTypeMisfit,
			fmt.Errorf("node type %s not permitted for %s", reg.NodeType, s.username))
	}
	if reg.Hostname == "" {
		return s.fail(protocol.MsgRegistration, protocol.ResultError, errors.New("expected hostname"))
	}

	nodeID, err := s.deps.Store.UpsertNode(s.username, reg.Hostname, reg.NodeType, reg.Instance, version, rev, reg.Persistent)
	if err != nil {
		return s.fail(protocol.MsgRegistration, protocol.ResultError, err)
	}

	now := time.Now().Unix()
	switch reg.NodeType {
	case protocol.NodeSensor:
		if len(reg.Sensors) == 0 {
			return s.fail(protocol.MsgRegistration, protocol.ResultError, errors.New("expected sensors"))
		}
		if err := s.deps.Store.SyncSensors(nodeID, reg.Sensors, now); err != nil {
			return s.fail(protocol.MsgRegistration, protocol.ResultError, err)
		}
	case protocol.NodeAlert:
		if len(reg.Alerts) == 0 {
			return s.fail(protocol.MsgRegistration, protocol.ResultError, errors.New("expected alerts"))
		}
		if err := s.deps.Store.SyncAlerts(nodeID, reg.Alerts); err != nil {
			return s.fail(protocol.MsgRegistration, protocol.ResultError, err)
		}
		s.levelsMu.Lock()
		for _, a := range reg.Alerts {
			for _, lvl := range a.AlertLevels {
				s.alertLevels[lvl] = true
			}
		}
		s.levelsMu.Unlock()
	case protocol.NodeManager:
		if reg.Manager == nil {
			return s.fail(protocol.MsgRegistration, protocol.ResultError, errors.New("expected manager"))
		}
		if err := s.deps.Store.UpsertManager(nodeID, reg.Manager.Description); err != nil {
			return s.fail(protocol.MsgRegistration, protocol.ResultError, err)
		}
	}

	s.nodeID = nodeID
	s.hostname = reg.Hostname
	s.nodeType = reg.NodeType
	s.persistent = reg.Persistent
	s.state.Store(int32(StateRegistered))
	s.deps.Registry.register(s)
	return nil
}

// pushInitialStatus synchronizes the fresh node. Sensor and alert nodes get
// the option table and server clock; managers get the full snapshot through
// the regular manager fan-out, triggered by the node.connected event.
func (s *Session) pushInitialStatus() {
	if s.nodeType == protocol.NodeManager {
		return
	}
	options, err := s.deps.Store.Options()
	if err != nil {
		s.log.Warn("load options for status push", zap.Error(err))
		return
	}
	status := &protocol.StatusPush{ServerTime: time.Now().Unix()}
	for _, o := range options {
		status.Options = append(status.Options, protocol.OptionInfo{Type: o.Type, Value: o.Value})
	}
	s.Push(protocol.MsgStatus, status, false)
}

// dispatch handles one steady-state RPC from the node.
func (s *Session) dispatch(env *protocol.Envelope) error {
	switch env.Message {
	case protocol.MsgPing:
		return s.reply(protocol.MsgPing, protocol.Reply{Result: protocol.ResultOK})

	case protocol.MsgSensorAlert:
		return s.handleSensorAlert(env)

	case protocol.MsgStateChange:
		return s.handleStateChange(env)

	case protocol.MsgOption:
		return s.handleOption(env)

	case protocol.MsgSensorError:
		return s.handleSensorError(env)
	}
	return s.fail(env.Message, protocol.ResultError, fmt.Errorf("unknown message %q", env.Message))
}

func (s *Session) handleSensorAlert(env *protocol.Envelope) error {
	if s.nodeType != protocol.NodeSensor {
		return s.fail(env.Message, protocol.ResultTypeMisfit, errors.New("sensoralert from non-sensor node"))
	}
	var req protocol.SensorAlertRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return s.fail(env.Message, protocol.ResultError, err)
	}

	sensor, err := s.deps.Store.SensorByAddress(s.username, req.ClientSensorID)
	if err != nil {
		return s.fail(env.Message, protocol.ResultError,
			fmt.Errorf("unknown sensor %s/%d: %w", s.username, req.ClientSensorID, err))
	}

	now := time.Now().Unix()
	if req.ChangeState {
		if err := s.deps.Store.UpdateSensorState(sensor.ID, req.State, now); err != nil {
			return s.fail(env.Message, protocol.ResultError, err)
		}
	}
	if req.HasLatestData {
		if err := s.deps.Store.UpdateSensorData(sensor.ID, req.DataType, string(req.Data)); err != nil {
			return s.fail(env.Message, protocol.ResultError, err)
		}
	}
	if err := s.deps.Store.AddSensorAlert(storage.SensorAlert{
		SensorID:        sensor.ID,
		State:           req.State,
		ChangeState:     req.ChangeState,
		HasOptionalData: req.HasOptionalData,
		OptionalData:    req.OptionalData,
		HasLatestData:   req.HasLatestData,
		DataType:        req.DataType,
		Data:            req.Data,
		TimeReceived:    now,
		AlertDelay:      sensor.AlertDelay,
	}); err != nil {
		return s.fail(env.Message, protocol.ResultError, err)
	}
	metrics.SensorAlertsReceivedTotal.Inc()

	if err := s.reply(env.Message, protocol.Reply{Result: protocol.ResultOK}); err != nil {
		return err
	}
	s.deps.Bus.Publish(events.Event{Topic: events.TopicSensorAlertQueued, Username: s.username})
	s.deps.Bus.Publish(events.Event{Topic: events.TopicStateChanged, Username: s.username})
	return nil
}

func (s *Session) handleStateChange(env *protocol.Envelope) error {
	if s.nodeType != protocol.NodeSensor {
		return s.fail(env.Message, protocol.ResultTypeMisfit, errors.New("statechange from non-sensor node"))
	}
	var req protocol.StateChangeRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return s.fail(env.Message, protocol.ResultError, err)
	}

	sensor, err := s.deps.Store.SensorByAddress(s.username, req.ClientSensorID)
	if err != nil {
		return s.fail(env.Message, protocol.ResultError,
			fmt.Errorf("unknown sensor %s/%d: %w", s.username, req.ClientSensorID, err))
	}
	if err := s.deps.Store.UpdateSensorState(sensor.ID, req.State, time.Now().Unix()); err != nil {
		return s.fail(env.Message, protocol.ResultError, err)
	}
	if req.DataType != protocol.DataNone {
		if err := s.deps.Store.UpdateSensorData(sensor.ID, req.DataType, string(req.Data)); err != nil {
			return s.fail(env.Message, protocol.ResultError, err)
		}
	}

	if err := s.reply(env.Message, protocol.Reply{Result: protocol.ResultOK}); err != nil {
		return err
	}
	s.deps.Bus.Publish(events.Event{Topic: events.TopicStateChanged, Username: s.username})
	return nil
}

func (s *Session) handleOption(env *protocol.Envelope) error {
	if s.nodeType != protocol.NodeManager {
		return s.fail(env.Message, protocol.ResultTypeMisfit, errors.New("option from non-manager node"))
	}
	var req protocol.OptionRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return s.fail(env.Message, protocol.ResultError, err)
	}
	if req.OptionType == "" {
		return s.fail(env.Message, protocol.ResultError, errors.New("expected optionType"))
	}

	s.deps.Options.Execute(req.OptionType, req.Value, time.Duration(req.TimeDelay)*time.Second)
	return s.reply(env.Message, protocol.Reply{Result: protocol.ResultOK})
}

func (s *Session) handleSensorError(env *protocol.Envelope) error {
	if s.nodeType != protocol.NodeSensor {
		return s.fail(env.Message, protocol.ResultTypeMisfit, errors.New("sensorerror from non-sensor node"))
	}
	var req protocol.SensorErrorRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		return s.fail(env.Message, protocol.ResultError, err)
	}
	s.log.Error("remote sensor fault",
		zap.Int("clientSensorId", req.ClientSensorID),
		zap.String("fault", req.Error))
	return s.reply(env.Message, protocol.Reply{Result: protocol.ResultOK})
}

// read receives one frame within the deadline and stamps lastRecv.
func (s *Session) read(timeout time.Duration) (*protocol.Envelope, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	env, err := protocol.ReadMsg(s.conn)
	if err != nil {
		return nil, err
	}
	s.lastRecv.Store(time.Now().UnixNano())
	return env, nil
}

// reply writes a response envelope under the write mutex.
func (s *Session) reply(msg protocol.Message, payload any) error {
	env, err := protocol.NewEnvelope(msg, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := protocol.WriteMsg(s.conn, env); err != nil {
		return fmt.Errorf("write %s reply: %w", msg, err)
	}
	return nil
}

// fail sends an error result, then reports the cause so the caller closes
// the session. The write error, if any, is secondary to the cause.
func (s *Session) fail(msg protocol.Message, result protocol.Result, cause error) error {
	_ = s.reply(msg, protocol.Reply{Result: result})
	return cause
}

// routeReply delivers env to the pending server-initiated exchange when the
// message name matches, returning true if consumed.
func (s *Session) routeReply(env *protocol.Envelope) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pendingCh == nil || env.Message != s.pendingMsg {
		return false
	}
	ch := s.pendingCh
	s.pendingCh = nil
	ch <- env
	return true
}

func (s *Session) armReply(msg protocol.Message) chan *protocol.Envelope {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pendingMsg = msg
	s.pendingCh = make(chan *protocol.Envelope, 1)
	return s.pendingCh
}

func (s *Session) disarmReply() {
	s.pendingMu.Lock()
	s.pendingCh = nil
	s.pendingMu.Unlock()
}

func (s *Session) awaitReply(ch chan *protocol.Envelope) (*protocol.Envelope, error) {
	select {
	case env := <-ch:
		return env, nil
	case <-s.done:
		s.disarmReply()
		return nil, errors.New("session closed")
	case <-time.After(s.deps.ReceiveTimeout):
		s.disarmReply()
		return nil, errors.New("reply timeout")
	}
}

func (s *Session) hasAlertLevel(level int) bool {
	s.levelsMu.Lock()
	defer s.levelsMu.Unlock()
	return s.alertLevels[level]
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
