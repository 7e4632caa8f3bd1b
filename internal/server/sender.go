package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vigil-hq/vigil/internal/protocol"
)

// ErrDropped reports that a queued non-critical push was displaced by a
// newer one before it was sent.
var ErrDropped = errors.New("queued message dropped")

// maxQueuedSends bounds the per-session outbound queue. Critical messages
// may exceed the bound; non-critical snapshots are displaced instead.
const maxQueuedSends = 16

type outbound struct {
	msg      protocol.Message
	payload  any
	critical bool
	done     chan error
}

// sender serializes server-initiated request/response exchanges for one
// session. Exactly one exchange is in flight at a time; further requests
// queue. A full queue displaces the oldest non-critical entry, since status
// snapshots are idempotent and only the newest matters.
type sender struct {
	s *Session

	mu    sync.Mutex
	queue []*outbound
	kick  chan struct{}
}

func newSender(s *Session) *sender {
	return &sender{s: s, kick: make(chan struct{}, 1)}
}

// enqueue schedules one outbound exchange and returns a completion channel.
func (w *sender) enqueue(msg protocol.Message, payload any, critical bool) <-chan error {
	o := &outbound{msg: msg, payload: payload, critical: critical, done: make(chan error, 1)}

	w.mu.Lock()
	if len(w.queue) >= maxQueuedSends {
		for i, q := range w.queue {
			if !q.critical {
				q.done <- ErrDropped
				w.queue = append(w.queue[:i], w.queue[i+1:]...)
				break
			}
		}
	}
	w.queue = append(w.queue, o)
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
	return o.done
}

// run is the sender worker. It exits when the session closes, failing all
// queued exchanges.
func (w *sender) run() {
	for {
		select {
		case <-w.s.done:
			w.failAll(errors.New("session closed"))
			return
		case <-w.kick:
		}

		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			o := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()

			o.done <- w.exchange(o)
		}
	}
}

// exchange performs one request/response round trip. The write mutex covers
// only the frame write; the reader goroutine must stay free to route the
// reply and any interleaved node RPCs while the exchange waits.
func (w *sender) exchange(o *outbound) error {
	env, err := protocol.NewEnvelope(o.msg, o.payload)
	if err != nil {
		return err
	}

	select {
	case <-w.s.done:
		return errors.New("session closed")
	default:
	}

	replyCh := w.s.armReply(o.msg)
	w.s.writeMu.Lock()
	err = protocol.WriteMsg(w.s.conn, env)
	w.s.writeMu.Unlock()
	if err != nil {
		w.s.disarmReply()
		w.s.Close()
		return fmt.Errorf("write %s: %w", o.msg, err)
	}

	reply, err := w.s.awaitReply(replyCh)
	if err != nil {
		w.s.Close()
		return fmt.Errorf("await %s reply: %w", o.msg, err)
	}

	var res protocol.Reply
	if err := protocol.DecodePayload(reply, &res); err != nil {
		w.s.Close()
		return err
	}
	if res.Result != protocol.ResultOK {
		return fmt.Errorf("%s rejected: %s", o.msg, res.Result)
	}
	return nil
}

func (w *sender) failAll(err error) {
	w.mu.Lock()
	queue := w.queue
	w.queue = nil
	w.mu.Unlock()
	for _, o := range queue {
		o.done <- err
	}
}
