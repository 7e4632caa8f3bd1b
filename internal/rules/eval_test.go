package rules

import (
	"fmt"
	"testing"
	"time"
)

type fakeSensors map[string]struct {
	state       int
	lastUpdated int64
}

func (f fakeSensors) SensorState(username string, remoteSensorID int) (int, int64, error) {
	key := sensorKey(username, remoteSensorID)
	s, ok := f[key]
	if !ok {
		return 0, 0, nil
	}
	return s.state, s.lastUpdated, nil
}

func (f fakeSensors) set(username string, id int, state int, lastUpdated int64) {
	f[sensorKey(username, id)] = struct {
		state       int
		lastUpdated int64
	}{state, lastUpdated}
}

func sensorKey(username string, id int) string {
	return fmt.Sprintf("%s/%d", username, id)
}

func sensorElem(username string, id int, triggeredFor float64) *Element {
	return &Element{
		Kind:             KindSensor,
		TimeTriggeredFor: triggeredFor,
		Sensor:           &SensorExpr{Username: username, RemoteSensorID: id},
	}
}

func at(sec int64) time.Time {
	return time.Unix(sec, 0)
}

func TestSingleSensorRuleFires(t *testing.T) {
	level := &AlertLevel{
		Level:          1,
		RulesActivated: true,
		Rules:          []*Rule{{Order: 1, Root: sensorElem("s1", 7, 0)}},
	}
	state := NewEvalState(level)
	sensors := fakeSensors{}

	fired, err := state.Evaluate(at(100), sensors)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if fired {
		t.Fatal("fired with sensor untriggered")
	}

	sensors.set("s1", 7, 1, 100)
	fired, err = state.Evaluate(at(100), sensors)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !fired {
		t.Fatal("expected firing with sensor triggered")
	}
	if state.Pending() {
		t.Error("state not reset after firing")
	}
}

func TestTimeTriggeredForDelaysFiring(t *testing.T) {
	level := &AlertLevel{
		Level:          1,
		RulesActivated: true,
		Rules:          []*Rule{{Order: 1, Root: sensorElem("s1", 7, 5)}},
	}
	state := NewEvalState(level)
	sensors := fakeSensors{}
	sensors.set("s1", 7, 1, 100)

	if fired, _ := state.Evaluate(at(102), sensors); fired {
		t.Fatal("fired before timeTriggeredFor elapsed")
	}
	if fired, _ := state.Evaluate(at(105), sensors); !fired {
		t.Fatal("expected firing once sensor held triggered long enough")
	}
}

func TestSequencedRulesTimingWindow(t *testing.T) {
	newLevel := func() *EvalState {
		return NewEvalState(&AlertLevel{
			Level:          2,
			RulesActivated: true,
			Rules: []*Rule{
				{Order: 1, Root: sensorElem("s1", 7, 0)},
				{Order: 2, MinTimeAfterPrev: 1, MaxTimeAfterPrev: 5, Root: sensorElem("s1", 8, 0)},
			},
		})
	}

	t.Run("second rule too early", func(t *testing.T) {
		state := newLevel()
		sensors := fakeSensors{}
		sensors.set("s1", 7, 1, 1000)
		if fired, _ := state.Evaluate(at(1000), sensors); fired {
			t.Fatal("fired on first rule alone")
		}
		if !state.Pending() {
			t.Fatal("first rule should be finalized")
		}

		sensors.set("s1", 7, 0, 1000)
		sensors.set("s1", 8, 1, 1000)
		// 0.5s after the first rule: below minTimeAfterPrev.
		if fired, _ := state.Evaluate(time.Unix(1000, 500e6), sensors); fired {
			t.Fatal("fired below minTimeAfterPrev")
		}
	})

	t.Run("second rule in window", func(t *testing.T) {
		state := newLevel()
		sensors := fakeSensors{}
		sensors.set("s1", 7, 1, 1000)
		if fired, _ := state.Evaluate(at(1000), sensors); fired {
			t.Fatal("fired on first rule alone")
		}

		sensors.set("s1", 7, 0, 1000)
		sensors.set("s1", 8, 1, 1002)
		fired, err := state.Evaluate(at(1002), sensors)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !fired {
			t.Fatal("expected firing within the window")
		}
	})

	t.Run("second rule too late resets chain", func(t *testing.T) {
		state := newLevel()
		sensors := fakeSensors{}
		sensors.set("s1", 7, 1, 1000)
		if fired, _ := state.Evaluate(at(1000), sensors); fired {
			t.Fatal("fired on first rule alone")
		}

		sensors.set("s1", 7, 0, 1000)
		sensors.set("s1", 8, 1, 1007)
		if fired, _ := state.Evaluate(at(1007), sensors); fired {
			t.Fatal("fired outside the window")
		}
		if state.Pending() {
			t.Error("chain not reset after window miss")
		}
	})
}

func TestFinalizedRulesSurviveLaterPasses(t *testing.T) {
	// Three-rule chain: once a rule finalized inside its window, later
	// passes must not re-test it against its predecessor while the rest of
	// the chain is still within its own window.
	state := NewEvalState(&AlertLevel{
		Level:          2,
		RulesActivated: true,
		Rules: []*Rule{
			{Order: 1, Root: sensorElem("s1", 7, 0)},
			{Order: 2, MinTimeAfterPrev: 0, MaxTimeAfterPrev: 5, Root: sensorElem("s1", 8, 0)},
			{Order: 3, MinTimeAfterPrev: 0, MaxTimeAfterPrev: 100, Root: sensorElem("s1", 9, 0)},
		},
	})
	sensors := fakeSensors{}

	sensors.set("s1", 7, 1, 1000)
	if fired, _ := state.Evaluate(at(1000), sensors); fired {
		t.Fatal("fired on first rule alone")
	}

	sensors.set("s1", 7, 0, 1000)
	sensors.set("s1", 8, 1, 1002)
	if fired, _ := state.Evaluate(at(1002), sensors); fired {
		t.Fatal("fired without the third rule")
	}
	if !state.Pending() {
		t.Fatal("first two rules should be finalized")
	}

	// 8s after the second rule: past the second rule's window relative to
	// the first, but well inside the third rule's own window.
	sensors.set("s1", 8, 0, 1002)
	sensors.set("s1", 9, 1, 1010)
	fired, err := state.Evaluate(at(1010), sensors)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !fired {
		t.Fatal("expected firing with the third rule inside its window")
	}
}

func TestZeroWidthWindowAdmitsSamePass(t *testing.T) {
	state := NewEvalState(&AlertLevel{
		Level:          3,
		RulesActivated: true,
		Rules: []*Rule{
			{Order: 1, Root: sensorElem("s1", 7, 0)},
			{Order: 2, Root: sensorElem("s1", 8, 0)},
		},
	})
	sensors := fakeSensors{}
	sensors.set("s1", 7, 1, 1000)
	sensors.set("s1", 8, 1, 1000)

	fired, err := state.Evaluate(at(1000), sensors)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !fired {
		t.Fatal("zero-width window should admit both rules in one pass")
	}
}

func TestBooleanAndWithHourRange(t *testing.T) {
	level := &AlertLevel{
		Level:          1,
		RulesActivated: true,
		Rules: []*Rule{{
			Order: 1,
			Root: &Element{
				Kind: KindBoolean,
				Bool: &BooleanExpr{
					Op: OpAnd,
					Children: []*Element{
						sensorElem("s1", 7, 0),
						{Kind: KindHour, Hour: &HourExpr{Base: TimeLocal, Start: 8, End: 17}},
					},
				},
			},
		}},
	}
	sensors := fakeSensors{}

	morning := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)

	state := NewEvalState(level)
	sensors.set("s1", 7, 1, morning.Unix())
	if fired, _ := state.Evaluate(morning, sensors); !fired {
		t.Error("expected firing at 10:00")
	}

	state = NewEvalState(level)
	sensors.set("s1", 7, 1, evening.Unix())
	if fired, _ := state.Evaluate(evening, sensors); fired {
		t.Error("unexpected firing at 20:00")
	}
}

func TestNotOperator(t *testing.T) {
	state := NewEvalState(&AlertLevel{
		Level:          1,
		RulesActivated: true,
		Rules: []*Rule{{
			Order: 1,
			Root: &Element{
				Kind: KindBoolean,
				Bool: &BooleanExpr{
					Op:       OpNot,
					Children: []*Element{sensorElem("s1", 7, 0)},
				},
			},
		}},
	})
	sensors := fakeSensors{}
	sensors.set("s1", 7, 1, 1000)

	if fired, _ := state.Evaluate(at(1000), sensors); fired {
		t.Error("not(triggered) should not fire")
	}

	sensors.set("s1", 7, 0, 1001)
	if fired, _ := state.Evaluate(at(1001), sensors); !fired {
		t.Error("not(untriggered) should fire")
	}
}

func TestCounterCapsRepeatedFirings(t *testing.T) {
	state := NewEvalState(&AlertLevel{
		Level:          4,
		RulesActivated: true,
		Rules: []*Rule{{
			Order:            1,
			CounterActivated: true,
			CounterLimit:     2,
			CounterWaitTime:  60,
			Root:             sensorElem("s1", 7, 0),
		}},
	})
	sensors := fakeSensors{}
	sensors.set("s1", 7, 1, 0)

	evalAt := func(sec int64) bool {
		fired, err := state.Evaluate(at(sec), sensors)
		if err != nil {
			t.Fatalf("Evaluate at %d: %v", sec, err)
		}
		return fired
	}

	if !evalAt(0) {
		t.Fatal("first firing capped")
	}
	if !evalAt(10) {
		t.Fatal("second firing capped")
	}
	if evalAt(20) {
		t.Fatal("third firing should be suppressed")
	}
	if !evalAt(70) {
		t.Fatal("firing after counterWaitTime should be permitted")
	}
}

func TestClearedSensorDoesNotRefire(t *testing.T) {
	state := NewEvalState(&AlertLevel{
		Level:          1,
		RulesActivated: true,
		Rules:          []*Rule{{Order: 1, Root: sensorElem("s1", 7, 0)}},
	})
	sensors := fakeSensors{}

	sensors.set("s1", 7, 1, 100)
	if fired, _ := state.Evaluate(at(100), sensors); !fired {
		t.Fatal("expected first firing")
	}

	sensors.set("s1", 7, 0, 101)
	if fired, _ := state.Evaluate(at(101), sensors); fired {
		t.Fatal("cleared sensor must not contribute to a second firing")
	}
}

func TestUTCCalendarBase(t *testing.T) {
	zone := time.FixedZone("east", 3*3600)
	// 23:00 in the fixed zone is 20:00 UTC.
	now := time.Date(2026, 3, 2, 23, 0, 0, 0, zone)

	state := NewEvalState(&AlertLevel{
		Level:          1,
		RulesActivated: true,
		Rules: []*Rule{{
			Order: 1,
			Root:  &Element{Kind: KindHour, Hour: &HourExpr{Base: TimeUTC, Start: 19, End: 21}},
		}},
	})
	if fired, _ := state.Evaluate(now, fakeSensors{}); !fired {
		t.Error("utc hour range should match 20:00 UTC")
	}

	state = NewEvalState(&AlertLevel{
		Level:          1,
		RulesActivated: true,
		Rules: []*Rule{{
			Order: 1,
			Root:  &Element{Kind: KindHour, Hour: &HourExpr{Base: TimeLocal, Start: 19, End: 21}},
		}},
	})
	if fired, _ := state.Evaluate(now, fakeSensors{}); fired {
		t.Error("local hour range should see 23:00, not 20:00")
	}
}

func TestDescribeRendersChain(t *testing.T) {
	level := &AlertLevel{
		Level: 2,
		Rules: []*Rule{
			{Order: 1, Root: sensorElem("s1", 7, 0)},
			{Order: 2, MinTimeAfterPrev: 1, MaxTimeAfterPrev: 5, CounterActivated: true, CounterLimit: 2, CounterWaitTime: 60, Root: sensorElem("s1", 8, 0)},
		},
	}
	got := Describe(level)
	want := "rule 1: sensor(s1/7); rule 2 window[1,5] counter[2/60s]: sensor(s1/8)"
	if got != want {
		t.Errorf("Describe = %q, want %q", got, want)
	}
}
