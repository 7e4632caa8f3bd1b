package server

import (
	"testing"
	"time"

	"github.com/vigil-hq/vigil/internal/events"
	"github.com/vigil-hq/vigil/internal/protocol"
	"github.com/vigil-hq/vigil/internal/storage"
)

func optionValue(t *testing.T, store storage.Storage, name string) float64 {
	t.Helper()
	v, err := store.GetOption(name)
	if err != nil {
		t.Fatalf("GetOption(%s): %v", name, err)
	}
	return v
}

func TestOptionExecuterImmediateApply(t *testing.T) {
	deps := newTestDeps(t)
	changed := deps.Bus.Subscribe(events.TopicOptionChanged)

	deps.Options.Execute(storage.OptionAlertSystemActive, 0, 0)

	if v := optionValue(t, deps.Store, storage.OptionAlertSystemActive); v != 0 {
		t.Errorf("option value = %g, want 0", v)
	}
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Error("no option.changed event published")
	}
}

func TestOptionExecuterDelayedApply(t *testing.T) {
	deps := newTestDeps(t)

	deps.Options.Execute(storage.OptionAlertSystemActive, 0, 50*time.Millisecond)
	if v := optionValue(t, deps.Store, storage.OptionAlertSystemActive); v != 1 {
		t.Fatalf("option applied before delay, value = %g", v)
	}

	deadline := time.Now().Add(2 * time.Second)
	for optionValue(t, deps.Store, storage.OptionAlertSystemActive) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("delayed option change never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOptionExecuterNewerRequestCancelsPending(t *testing.T) {
	deps := newTestDeps(t)

	deps.Options.Execute(storage.OptionAlertSystemActive, 0, 30*time.Millisecond)
	deps.Options.Execute(storage.OptionAlertSystemActive, 1, 0)

	time.Sleep(100 * time.Millisecond)
	if v := optionValue(t, deps.Store, storage.OptionAlertSystemActive); v != 1 {
		t.Errorf("cancelled change applied anyway, value = %g", v)
	}
}

func TestDeactivationPushesSensorAlertsOff(t *testing.T) {
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

	go deps.Options.Execute(storage.OptionAlertSystemActive, 0, 0)

	client.recv(protocol.MsgSensorAlertsOff)
	client.send(protocol.MsgSensorAlertsOff, protocol.Reply{Result: protocol.ResultOK})
}
