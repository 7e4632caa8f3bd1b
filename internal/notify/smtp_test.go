package notify

import (
	"net/smtp"
	"strings"
	"testing"
)

type capturedMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func captureNotifier() (*SMTPNotifier, *[]capturedMail) {
	n := NewSMTP("relay.local", 25, "vigil@example.org", "ops@example.org")
	var sent []capturedMail
	n.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, capturedMail{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	return n, &sent
}

func TestSendSensorAlertUsesLevelRecipient(t *testing.T) {
	n, sent := captureNotifier()

	if err := n.SendSensorAlert("burglary", 3, "night-shift@example.org", "front door"); err != nil {
		t.Fatalf("SendSensorAlert: %v", err)
	}

	if len(*sent) != 1 {
		t.Fatalf("sent %d mails, want 1", len(*sent))
	}
	mail := (*sent)[0]
	if mail.addr != "relay.local:25" {
		t.Errorf("addr = %q", mail.addr)
	}
	if len(mail.to) != 1 || mail.to[0] != "night-shift@example.org" {
		t.Errorf("to = %v", mail.to)
	}
	if !strings.Contains(mail.msg, "alert level 3 (burglary)") {
		t.Errorf("subject missing level: %q", mail.msg)
	}
	if !strings.Contains(mail.msg, "front door") {
		t.Errorf("body missing sensor description: %q", mail.msg)
	}
}

func TestSendSensorAlertFallsBackToDefaultRecipient(t *testing.T) {
	n, sent := captureNotifier()

	if err := n.SendSensorAlert("burglary", 1, "", "door"); err != nil {
		t.Fatalf("SendSensorAlert: %v", err)
	}
	if (*sent)[0].to[0] != "ops@example.org" {
		t.Errorf("to = %v, want default recipient", (*sent)[0].to)
	}
}

func TestCommunicationAlertAndClear(t *testing.T) {
	n, sent := captureNotifier()

	if err := n.SendCommunicationAlert("host1", "alice", 4); err != nil {
		t.Fatalf("SendCommunicationAlert: %v", err)
	}
	if err := n.SendCommunicationAlertClear("host1", "alice"); err != nil {
		t.Fatalf("SendCommunicationAlertClear: %v", err)
	}

	if len(*sent) != 2 {
		t.Fatalf("sent %d mails, want 2", len(*sent))
	}
	if !strings.Contains((*sent)[0].msg, "unreached") || !strings.Contains((*sent)[0].msg, "4 check cycles") {
		t.Errorf("unreached mail: %q", (*sent)[0].msg)
	}
	if !strings.Contains((*sent)[1].msg, "reconnected") {
		t.Errorf("clear mail: %q", (*sent)[1].msg)
	}
}

func TestMultipleRecipients(t *testing.T) {
	n, sent := captureNotifier()

	if err := n.SendSensorAlert("fire", 2, "a@example.org, b@example.org", "smoke"); err != nil {
		t.Fatalf("SendSensorAlert: %v", err)
	}
	to := (*sent)[0].to
	if len(to) != 2 || to[0] != "a@example.org" || to[1] != "b@example.org" {
		t.Errorf("to = %v", to)
	}
}
