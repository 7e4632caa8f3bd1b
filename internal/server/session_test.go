package server

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vigil-hq/vigil/internal/events"
	"github.com/vigil-hq/vigil/internal/protocol"
	"github.com/vigil-hq/vigil/internal/storage"
)

type fakeUsers map[string]struct {
	password string
	nodeType protocol.NodeType
}

func (f fakeUsers) Authenticate(username, password string) (protocol.NodeType, bool) {
	u, ok := f[username]
	if !ok || u.password != password {
		return "", false
	}
	return u.nodeType, true
}

var testUsers = fakeUsers{
	"s1":      {"pw", protocol.NodeSensor},
	"siren":   {"pw", protocol.NodeAlert},
	"console": {"pw", protocol.NodeManager},
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "vigil.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus(16)
	t.Cleanup(bus.Close)

	logger := zap.NewNop()
	registry := NewRegistry(logger)
	deps := Deps{
		Logger:            logger,
		Store:             store,
		Users:             testUsers,
		Bus:               bus,
		Registry:          registry,
		ReceiveTimeout:    2 * time.Second,
		ConnectionTimeout: 5 * time.Second,
	}
	deps.Options = NewOptionExecuter(logger, store, bus, registry)
	t.Cleanup(deps.Options.Stop)
	return deps
}

// testClient drives the node side of a session over a loopback connection.
// A real socket gives both directions buffering, so a server push and a
// client request can be in flight at the same time, as they are in
// production.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func startSession(t *testing.T, deps Deps) (*testClient, *Session) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	sessCh := make(chan *Session, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s := NewSession(conn, deps)
		sessCh <- s
		s.Run()
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	sess := <-sessCh
	t.Cleanup(func() {
		sess.Close()
		_ = clientConn.Close()
		_ = ln.Close()
	})
	return &testClient{t: t, conn: clientConn}, sess
}

func (c *testClient) send(msg protocol.Message, payload any) {
	c.t.Helper()
	env, err := protocol.NewEnvelope(msg, payload)
	if err != nil {
		c.t.Fatalf("NewEnvelope(%s): %v", msg, err)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := protocol.WriteMsg(c.conn, env); err != nil {
		c.t.Fatalf("WriteMsg(%s): %v", msg, err)
	}
}

// recv reads the next frame addressed to the client, transparently
// acknowledging unrelated server-initiated status pushes.
func (c *testClient) recv(want protocol.Message) *protocol.Envelope {
	c.t.Helper()
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		env, err := protocol.ReadMsg(c.conn)
		if err != nil {
			c.t.Fatalf("ReadMsg (want %s): %v", want, err)
		}
		if env.Message == want {
			return env
		}
		if env.Message == protocol.MsgStatus {
			c.send(protocol.MsgStatus, protocol.Reply{Result: protocol.ResultOK})
			continue
		}
		c.t.Fatalf("unexpected message %s (want %s)", env.Message, want)
	}
}

func (c *testClient) rpc(msg protocol.Message, payload any) protocol.Result {
	c.t.Helper()
	c.send(msg, payload)
	var reply protocol.Reply
	if err := protocol.DecodePayload(c.recv(msg), &reply); err != nil {
		c.t.Fatalf("decode %s reply: %v", msg, err)
	}
	return reply.Result
}

func sensorRegistration() protocol.RegistrationRequest {
	return protocol.RegistrationRequest{
		Hostname: "host1",
		NodeType: protocol.NodeSensor,
		Instance: "sensorclient",
		Sensors: []protocol.SensorReg{
			{ClientSensorID: 7, Description: "door", AlertLevels: []int{1}},
		},
	}
}

func (c *testClient) handshake(username, password string, reg protocol.RegistrationRequest) {
	c.t.Helper()
	if res := c.rpc(protocol.MsgRegVersion, protocol.RegVersionRequest{Version: protocol.Version, Rev: protocol.Rev}); res != protocol.ResultOK {
		c.t.Fatalf("regversion result = %s", res)
	}
	if res := c.rpc(protocol.MsgAuthentication, protocol.AuthenticationRequest{Username: username, Password: password}); res != protocol.ResultOK {
		c.t.Fatalf("authentication result = %s", res)
	}
	if res := c.rpc(protocol.MsgRegistration, reg); res != protocol.ResultOK {
		c.t.Fatalf("registration result = %s", res)
	}
}

func TestHandshakeAndPing(t *testing.T) {
	deps := newTestDeps(t)
	client, sess := startSession(t, deps)

	client.handshake("s1", "pw", sensorRegistration())

	if res := client.rpc(protocol.MsgPing, protocol.PingRequest{}); res != protocol.ResultOK {
		t.Errorf("ping result = %s", res)
	}
	if sess.Username() != "s1" || sess.NodeType() != protocol.NodeSensor {
		t.Errorf("session identity = %s/%s", sess.Username(), sess.NodeType())
	}
	if deps.Registry.Len() != 1 {
		t.Errorf("registry len = %d", deps.Registry.Len())
	}
}

func TestRegVersionMisfit(t *testing.T) {
	deps := newTestDeps(t)
	client, _ := startSession(t, deps)

	if res := client.rpc(protocol.MsgRegVersion, protocol.RegVersionRequest{Version: 0.1}); res != protocol.ResultVersionMisfit {
		t.Errorf("result = %s, want versionmisfit", res)
	}
}

func TestAuthenticationFailureClosesSession(t *testing.T) {
	deps := newTestDeps(t)
	client, sess := startSession(t, deps)

	if res := client.rpc(protocol.MsgRegVersion, protocol.RegVersionRequest{Version: protocol.Version}); res != protocol.ResultOK {
		t.Fatalf("regversion result = %s", res)
	}
	if res := client.rpc(protocol.MsgAuthentication, protocol.AuthenticationRequest{Username: "s1", Password: "wrong"}); res != protocol.ResultExpired {
		t.Errorf("result = %s, want expired", res)
	}

	waitClosed(t, sess)
	if deps.Registry.Len() != 0 {
		t.Errorf("registry len = %d after failed auth", deps.Registry.Len())
	}
}

func TestRegistrationTypeMisfit(t *testing.T) {
	deps := newTestDeps(t)
	client, _ := startSession(t, deps)

	if res := client.rpc(protocol.MsgRegVersion, protocol.RegVersionRequest{Version: protocol.Version}); res != protocol.ResultOK {
		t.Fatalf("regversion result = %s", res)
	}
	if res := client.rpc(protocol.MsgAuthentication, protocol.AuthenticationRequest{Username: "s1", Password: "pw"}); res != protocol.ResultOK {
		t.Fatalf("authentication result = %s", res)
	}

	reg := sensorRegistration()
	reg.NodeType = protocol.NodeManager
	reg.Manager = &protocol.ManagerReg{Description: "impostor"}
	reg.Sensors = nil
	if res := client.rpc(protocol.MsgRegistration, reg); res != protocol.ResultTypeMisfit {
		t.Errorf("result = %s, want typemisfit", res)
	}
}

func TestRepeatedRegistrationIsIdempotent(t *testing.T) {
	deps := newTestDeps(t)

	client1, _ := startSession(t, deps)
	client1.handshake("s1", "pw", sensorRegistration())

	before, err := deps.Store.Sensors()
	if err != nil {
		t.Fatalf("Sensors: %v", err)
	}

	client2, _ := startSession(t, deps)
	client2.handshake("s1", "pw", sensorRegistration())

	after, err := deps.Store.Sensors()
	if err != nil {
		t.Fatalf("Sensors: %v", err)
	}
	if len(before) != 1 || len(after) != 1 || before[0].ID != after[0].ID {
		t.Errorf("sensor rows changed across identical registrations: %+v vs %+v", before, after)
	}
	nodes, err := deps.Store.Nodes()
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Errorf("node rows = %d, want 1", len(nodes))
	}
}

func TestDuplicateIdentitySupersedes(t *testing.T) {
	deps := newTestDeps(t)

	managerReg := protocol.RegistrationRequest{
		Hostname: "host1",
		NodeType: protocol.NodeManager,
		Instance: "managerclient",
		Manager:  &protocol.ManagerReg{Description: "console"},
	}

	ca, _ := startSession(t, deps)
	ca.handshake("console", "pw", managerReg)
	first := deps.Registry.Lookup("console", protocol.NodeManager)
	if first == nil {
		t.Fatal("first session not registered")
	}

	cb, _ := startSession(t, deps)
	cb.handshake("console", "pw", managerReg)

	second := deps.Registry.Lookup("console", protocol.NodeManager)
	if second == nil || second.ID() == first.ID() {
		t.Fatal("second session did not supersede the first")
	}
	waitClosed(t, first)
	if deps.Registry.Len() != 1 {
		t.Errorf("registry len = %d, want 1", deps.Registry.Len())
	}
}

func TestSensorAlertIsQueuedAndSignalled(t *testing.T) {
	deps := newTestDeps(t)
	wake := deps.Bus.Subscribe(events.TopicSensorAlertQueued)

	client, _ := startSession(t, deps)
	client.handshake("s1", "pw", sensorRegistration())

	res := client.rpc(protocol.MsgSensorAlert, protocol.SensorAlertRequest{
		ClientSensorID: 7,
		State:          1,
		ChangeState:    true,
	})
	if res != protocol.ResultOK {
		t.Fatalf("sensoralert result = %s", res)
	}

	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("no wake signal published")
	}

	pending, err := deps.Store.PendingSensorAlerts()
	if err != nil {
		t.Fatalf("PendingSensorAlerts: %v", err)
	}
	if len(pending) != 1 || pending[0].State != 1 {
		t.Fatalf("pending = %+v", pending)
	}

	sensor, err := deps.Store.SensorByAddress("s1", 7)
	if err != nil {
		t.Fatalf("SensorByAddress: %v", err)
	}
	if sensor.State != 1 {
		t.Errorf("sensor state = %d, want 1 after changeState", sensor.State)
	}
}

func TestOptionFromSensorIsTypeMisfit(t *testing.T) {
	deps := newTestDeps(t)
	client, sess := startSession(t, deps)
	client.handshake("s1", "pw", sensorRegistration())

	res := client.rpc(protocol.MsgOption, protocol.OptionRequest{OptionType: storage.OptionAlertSystemActive, Value: 0})
	if res != protocol.ResultTypeMisfit {
		t.Errorf("result = %s, want typemisfit", res)
	}
	waitClosed(t, sess)
}

func TestServerInitiatedPushRoundTrip(t *testing.T) {
	deps := newTestDeps(t)
	client, _ := startSession(t, deps)
	client.handshake("siren", "pw", protocol.RegistrationRequest{
		Hostname: "host2",
		NodeType: protocol.NodeAlert,
		Instance: "alertclient",
		Alerts: []protocol.AlertReg{
			{ClientAlertID: 0, Description: "horn", AlertLevels: []int{1}},
		},
	})

	targeted := make(chan int, 1)
	go func() {
		targeted <- deps.Registry.PushSensorAlert(1, &protocol.SensorAlertPush{
			State:       1,
			AlertLevels: []int{1},
			Description: "door",
		})
	}()

	env := client.recv(protocol.MsgSensorAlert)
	var push protocol.SensorAlertPush
	if err := protocol.DecodePayload(env, &push); err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if push.Description != "door" || len(push.AlertLevels) != 1 || push.AlertLevels[0] != 1 {
		t.Errorf("push = %+v", push)
	}
	client.send(protocol.MsgSensorAlert, protocol.Reply{Result: protocol.ResultOK})

	if n := <-targeted; n != 1 {
		t.Errorf("targeted sessions = %d, want 1", n)
	}
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
}
