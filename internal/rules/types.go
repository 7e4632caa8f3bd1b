// Package rules holds the parsed alert-level rule trees and their evaluator.
//
// The tree structure is immutable after parsing. All mutable evaluation
// state lives in a separate EvalState owned by a single writer, the sensor
// alert executer. Elements are indexed depth first at build time so the
// state block is a flat array parallel to the tree.
package rules

import (
	"fmt"
	"strings"
)

// TimeBase selects the clock zone of a calendar predicate.
type TimeBase string

const (
	TimeLocal TimeBase = "local"
	TimeUTC   TimeBase = "utc"
)

// BoolOp is the operator of a boolean element.
type BoolOp string

const (
	OpAnd BoolOp = "and"
	OpOr  BoolOp = "or"
	OpNot BoolOp = "not"
)

// Kind discriminates the element variants.
type Kind int

const (
	KindBoolean Kind = iota
	KindSensor
	KindWeekday
	KindMonthday
	KindHour
	KindMinute
	KindSecond
)

// Element is one node of a rule tree. Exactly one variant field is set,
// matching Kind. Index addresses this element's slot in the EvalState.
type Element struct {
	Index int
	Kind  Kind

	// TimeTriggeredFor applies to sensor elements only: how long the sensor
	// must have been in triggered state, in seconds.
	TimeTriggeredFor float64

	Bool     *BooleanExpr
	Sensor   *SensorExpr
	Weekday  *WeekdayExpr
	Monthday *MonthdayExpr
	Hour     *HourExpr
	Minute   *MinuteExpr
	Second   *SecondExpr
}

// BooleanExpr combines child elements. Not has exactly one child, and/or
// have at least one.
type BooleanExpr struct {
	Op       BoolOp
	Children []*Element
}

// SensorExpr references a remote sensor by its wire address.
type SensorExpr struct {
	Username       string
	RemoteSensorID int
}

// WeekdayExpr matches one weekday, 0 = Sunday.
type WeekdayExpr struct {
	Base    TimeBase
	Weekday int
}

// MonthdayExpr matches one day of the month, 1 to 31.
type MonthdayExpr struct {
	Base     TimeBase
	Monthday int
}

// HourExpr matches an inclusive hour range.
type HourExpr struct {
	Base       TimeBase
	Start, End int
}

// MinuteExpr matches an inclusive minute range.
type MinuteExpr struct {
	Start, End int
}

// SecondExpr matches an inclusive second range.
type SecondExpr struct {
	Start, End int
}

// Rule is one step of an alert level's ordered rule chain.
type Rule struct {
	Order            int
	MinTimeAfterPrev float64
	MaxTimeAfterPrev float64
	CounterActivated bool
	CounterLimit     int
	CounterWaitTime  float64
	Root             *Element
}

// AlertLevel is one configured alert level with its rule chain. Rules are
// sorted by Order at parse time.
type AlertLevel struct {
	Level          int
	Name           string
	TriggerAlways  bool
	SMTPActivated  bool
	ToAddr         string
	RulesActivated bool
	Rules          []*Rule
}

// IndexElements walks every rule tree of the level depth first, assigns
// each element its state slot, and returns the slot count.
func IndexElements(level *AlertLevel) int {
	next := 0
	var walk func(e *Element)
	walk = func(e *Element) {
		e.Index = next
		next++
		if e.Kind == KindBoolean {
			for _, c := range e.Bool.Children {
				walk(c)
			}
		}
	}
	for _, r := range level.Rules {
		walk(r.Root)
	}
	return next
}

// Describe renders the rule chain of a level for startup logging.
func Describe(level *AlertLevel) string {
	var b strings.Builder
	for i, r := range level.Rules {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "rule %d", r.Order)
		if r.MinTimeAfterPrev != 0 || r.MaxTimeAfterPrev != 0 {
			fmt.Fprintf(&b, " window[%g,%g]", r.MinTimeAfterPrev, r.MaxTimeAfterPrev)
		}
		if r.CounterActivated {
			fmt.Fprintf(&b, " counter[%d/%gs]", r.CounterLimit, r.CounterWaitTime)
		}
		b.WriteString(": ")
		b.WriteString(describeElement(r.Root))
	}
	return b.String()
}

func describeElement(e *Element) string {
	switch e.Kind {
	case KindBoolean:
		parts := make([]string, len(e.Bool.Children))
		for i, c := range e.Bool.Children {
			parts[i] = describeElement(c)
		}
		return fmt.Sprintf("%s(%s)", e.Bool.Op, strings.Join(parts, ", "))
	case KindSensor:
		if e.TimeTriggeredFor > 0 {
			return fmt.Sprintf("sensor(%s/%d for %gs)", e.Sensor.Username, e.Sensor.RemoteSensorID, e.TimeTriggeredFor)
		}
		return fmt.Sprintf("sensor(%s/%d)", e.Sensor.Username, e.Sensor.RemoteSensorID)
	case KindWeekday:
		return fmt.Sprintf("weekday(%s, %d)", e.Weekday.Base, e.Weekday.Weekday)
	case KindMonthday:
		return fmt.Sprintf("monthday(%s, %d)", e.Monthday.Base, e.Monthday.Monthday)
	case KindHour:
		return fmt.Sprintf("hour(%s, %d-%d)", e.Hour.Base, e.Hour.Start, e.Hour.End)
	case KindMinute:
		return fmt.Sprintf("minute(%d-%d)", e.Minute.Start, e.Minute.End)
	case KindSecond:
		return fmt.Sprintf("second(%d-%d)", e.Second.Start, e.Second.End)
	}
	return "?"
}
