package rules

import (
	"fmt"
	"time"
)

// SensorReader resolves a rule's sensor reference to the current persisted
// sensor state. Implemented by the storage layer.
type SensorReader interface {
	// SensorState returns the state (0 or 1) and the unix time of the last
	// state update for the addressed sensor.
	SensorState(username string, remoteSensorID int) (state int, lastUpdated int64, err error)
}

type elemState struct {
	triggered         bool
	timeWhenTriggered float64
}

type ruleState struct {
	finalized         bool
	timeWhenTriggered float64
	counterHits       []float64
}

// EvalState carries the mutable evaluation state of one alert level's rule
// chain. It has a single writer; no locking inside.
type EvalState struct {
	level *AlertLevel
	elems []elemState
	rules []ruleState
}

// NewEvalState indexes the level's rule trees and allocates their state.
func NewEvalState(level *AlertLevel) *EvalState {
	n := IndexElements(level)
	return &EvalState{
		level: level,
		elems: make([]elemState, n),
		rules: make([]ruleState, len(level.Rules)),
	}
}

// Level returns the alert level this state evaluates.
func (s *EvalState) Level() *AlertLevel { return s.level }

// Reset clears all rule and element state. Counter histories survive.
func (s *EvalState) Reset() {
	for i := range s.elems {
		s.elems[i] = elemState{}
	}
	for i := range s.rules {
		s.rules[i].finalized = false
		s.rules[i].timeWhenTriggered = 0
	}
}

// Pending reports whether a chain is partially satisfied, meaning a rule is
// finalized but the level has not fired yet. The executer keeps ticking
// while any level is pending so time windows are observed.
func (s *EvalState) Pending() bool {
	for i := range s.rules {
		if s.rules[i].finalized {
			return true
		}
	}
	return false
}

// Evaluate runs one evaluation pass at the given instant. It updates every
// predicate, advances the rule chain, and reports whether the level fires
// this pass. On a firing all rule state is reset; counter histories are
// kept.
func (s *EvalState) Evaluate(now time.Time, sensors SensorReader) (bool, error) {
	ts := float64(now.UnixNano()) / float64(time.Second)

	for _, r := range s.level.Rules {
		if err := s.updateElement(r.Root, now, ts, sensors); err != nil {
			return false, err
		}
	}

	// Advance the chain in order. Processing sequentially within the pass
	// lets a zero-width window admit a predecessor finalized this same pass.
	for i, r := range s.level.Rules {
		if s.rules[i].finalized {
			// The window constrains becoming finalized, not staying
			// finalized; a rule that made it inside its window is immune
			// to later passes.
			continue
		}
		satisfied := s.elems[r.Root.Index].triggered

		if i > 0 {
			prev := &s.rules[i-1]
			if !prev.finalized {
				continue
			}
			delta := ts - prev.timeWhenTriggered
			if delta > r.MaxTimeAfterPrev {
				// Window missed. The chain cannot complete anymore; start
				// over from scratch.
				s.Reset()
				return false, nil
			}
			if !satisfied || delta < r.MinTimeAfterPrev {
				continue
			}
		} else if !satisfied {
			continue
		}

		s.rules[i].finalized = true
		s.rules[i].timeWhenTriggered = ts
	}

	last := len(s.level.Rules) - 1
	if last < 0 || !s.rules[last].finalized {
		return false, nil
	}

	// The whole chain finalized: this is a firing unless a counter caps it.
	fired := true
	for i, r := range s.level.Rules {
		if !r.CounterActivated {
			continue
		}
		st := &s.rules[i]
		kept := st.counterHits[:0]
		for _, hit := range st.counterHits {
			if hit > ts-r.CounterWaitTime {
				kept = append(kept, hit)
			}
		}
		st.counterHits = kept
		if len(st.counterHits) >= r.CounterLimit {
			fired = false
			continue
		}
		st.counterHits = append(st.counterHits, ts)
	}

	s.Reset()
	return fired, nil
}

func (s *EvalState) updateElement(e *Element, now time.Time, ts float64, sensors SensorReader) error {
	st := &s.elems[e.Index]

	var triggered bool
	switch e.Kind {
	case KindSensor:
		state, lastUpdated, err := sensors.SensorState(e.Sensor.Username, e.Sensor.RemoteSensorID)
		if err != nil {
			return fmt.Errorf("read sensor %s/%d: %w", e.Sensor.Username, e.Sensor.RemoteSensorID, err)
		}
		triggered = state == 1 && ts-float64(lastUpdated) >= e.TimeTriggeredFor

	case KindWeekday:
		t := inBase(now, e.Weekday.Base)
		triggered = int(t.Weekday()) == e.Weekday.Weekday

	case KindMonthday:
		t := inBase(now, e.Monthday.Base)
		triggered = t.Day() == e.Monthday.Monthday

	case KindHour:
		h := inBase(now, e.Hour.Base).Hour()
		triggered = h >= e.Hour.Start && h <= e.Hour.End

	case KindMinute:
		m := now.Minute()
		triggered = m >= e.Minute.Start && m <= e.Minute.End

	case KindSecond:
		sec := now.Second()
		triggered = sec >= e.Second.Start && sec <= e.Second.End

	case KindBoolean:
		for _, c := range e.Bool.Children {
			if err := s.updateElement(c, now, ts, sensors); err != nil {
				return err
			}
		}
		switch e.Bool.Op {
		case OpAnd:
			triggered = true
			for _, c := range e.Bool.Children {
				if !s.elems[c.Index].triggered {
					triggered = false
					break
				}
			}
		case OpOr:
			for _, c := range e.Bool.Children {
				if s.elems[c.Index].triggered {
					triggered = true
					break
				}
			}
		case OpNot:
			triggered = !s.elems[e.Bool.Children[0].Index].triggered
		default:
			return fmt.Errorf("unknown boolean op %q", e.Bool.Op)
		}

	default:
		return fmt.Errorf("unknown element kind %d", e.Kind)
	}

	if triggered && !st.triggered {
		st.timeWhenTriggered = ts
	}
	if !triggered {
		st.timeWhenTriggered = 0
	}
	st.triggered = triggered
	return nil
}

// "local" means the zone the injected clock reports; "utc" converts.
func inBase(t time.Time, base TimeBase) time.Time {
	if base == TimeUTC {
		return t.UTC()
	}
	return t
}
