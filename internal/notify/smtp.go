// Package notify delivers operator notifications over SMTP. All sends are
// best effort: failures are logged by the caller and never propagate into
// protocol or executer state.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Notifier is the notification contract the watchdog and the sensor alert
// executer depend on. A nil-safe no-op implementation backs deployments
// without SMTP configured.
type Notifier interface {
	// SendSensorAlert notifies about a fired alert level.
	SendSensorAlert(levelName string, level int, toAddr, description string) error

	// SendCommunicationAlert notifies that a persistent node is unreached.
	// failCount is the number of watchdog cycles the node has been absent.
	SendCommunicationAlert(hostname, username string, failCount int) error

	// SendCommunicationAlertClear notifies that the node reconnected.
	SendCommunicationAlertClear(hostname, username string) error
}

// SMTPNotifier sends through a plain SMTP server, usually a local relay.
type SMTPNotifier struct {
	host     string
	port     int
	fromAddr string
	toAddr   string

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTP creates a notifier for the given relay. toAddr is the default
// recipient; per-alert-level recipients override it.
func NewSMTP(host string, port int, fromAddr, toAddr string) *SMTPNotifier {
	return &SMTPNotifier{
		host:     host,
		port:     port,
		fromAddr: fromAddr,
		toAddr:   toAddr,
		sendMail: smtp.SendMail,
	}
}

func (n *SMTPNotifier) SendSensorAlert(levelName string, level int, toAddr, description string) error {
	if toAddr == "" {
		toAddr = n.toAddr
	}
	subject := fmt.Sprintf("[vigil] alert level %d (%s) triggered", level, levelName)
	body := fmt.Sprintf("Alert level %d (%s) triggered.\n\nSensor: %s\nTime: %s",
		level, levelName, description, time.Now().Format(time.RFC1123))
	return n.send(toAddr, subject, body)
}

func (n *SMTPNotifier) SendCommunicationAlert(hostname, username string, failCount int) error {
	subject := fmt.Sprintf("[vigil] node %s unreached", username)
	body := fmt.Sprintf("Persistent node %s (host %s) has not been reached for %d check cycles.\nTime: %s",
		username, hostname, failCount, time.Now().Format(time.RFC1123))
	return n.send(n.toAddr, subject, body)
}

func (n *SMTPNotifier) SendCommunicationAlertClear(hostname, username string) error {
	subject := fmt.Sprintf("[vigil] node %s reconnected", username)
	body := fmt.Sprintf("Persistent node %s (host %s) is connected again.\nTime: %s",
		username, hostname, time.Now().Format(time.RFC1123))
	return n.send(n.toAddr, subject, body)
}

func (n *SMTPNotifier) send(toAddr, subject, body string) error {
	to := strings.Split(toAddr, ",")
	for i := range to {
		to[i] = strings.TrimSpace(to[i])
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMessage-ID: <%s@vigil>\r\n\r\n%s\r\n",
		n.fromAddr, strings.Join(to, ","), subject, uuid.NewString(), body)

	addr := fmt.Sprintf("%s:%d", n.host, n.port)
	if err := n.sendMail(addr, nil, n.fromAddr, to, []byte(msg)); err != nil {
		return fmt.Errorf("send mail via %s: %w", addr, err)
	}
	return nil
}

// Noop is the notifier used when SMTP is deactivated.
type Noop struct{}

func (Noop) SendSensorAlert(string, int, string, string) error { return nil }
func (Noop) SendCommunicationAlert(string, string, int) error  { return nil }
func (Noop) SendCommunicationAlertClear(string, string) error  { return nil }
