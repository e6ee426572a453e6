// Package evaluate maps an Observation to an ok/violating Verdict.
// Evaluate is a pure function: the same Observation and Threshold always
// produce the same Verdict.
package evaluate

import (
	"fmt"

	"github.com/obsidianstack/tripwire/agent/internal/config"
	"github.com/obsidianstack/tripwire/agent/internal/source"
)

// State is the binary outcome of one evaluation.
type State string

const (
	StateOK        State = "ok"
	StateViolating State = "violating"
)

// Threshold holds the comparison settings for one condition.
type Threshold struct {
	// Value is compared against numeric and freshness observations.
	Value float64

	// Op is ">" or "<". The boundary (value == threshold) is never violating.
	Op string

	// EntityMin and EntityMatch select list entities; see Matches.
	EntityMin   *float64
	EntityMatch map[string]string
}

// FromCondition builds the Threshold for c.
func FromCondition(c config.Condition) Threshold {
	return Threshold{
		Value:       c.Threshold,
		Op:          c.Op,
		EntityMin:   c.EntityMin,
		EntityMatch: c.EntityMatch,
	}
}

// Verdict is the result of evaluating one Observation.
type Verdict struct {
	State     State
	Reason    string
	Value     float64
	Threshold float64

	// Matched is the filtered entity list for list observations.
	Matched []source.Entity
}

// Violating reports whether v.State is StateViolating.
func (v Verdict) Violating() bool { return v.State == StateViolating }

// Evaluate returns the Verdict for obs under th.
//
// Numeric and freshness observations violate iff value > threshold (or
// value < threshold with Op "<"); equality is ok. List observations violate
// iff at least one entity matches, and Value is the number of matches.
func Evaluate(obs *source.Observation, th Threshold) Verdict {
	if obs.Kind == source.KindList {
		return evaluateList(obs, th)
	}

	v := Verdict{Value: obs.Value, Threshold: th.Value, State: StateOK}
	if compare(obs.Value, th.Op, th.Value) {
		v.State = StateViolating
	}

	unit := ""
	if obs.Kind == source.KindFreshness {
		unit = "s"
	}
	if v.Violating() {
		v.Reason = fmt.Sprintf("%.3f%s %s threshold %g%s", obs.Value, unit, opOrDefault(th.Op), th.Value, unit)
	} else {
		v.Reason = fmt.Sprintf("%.3f%s within threshold %g%s", obs.Value, unit, th.Value, unit)
	}
	return v
}

func evaluateList(obs *source.Observation, th Threshold) Verdict {
	v := Verdict{Threshold: th.Value, State: StateOK}
	for _, e := range obs.Entities {
		if Matches(e, th) {
			v.Matched = append(v.Matched, e)
		}
	}
	v.Value = float64(len(v.Matched))
	if len(v.Matched) > 0 {
		v.State = StateViolating
		v.Reason = fmt.Sprintf("%d of %d entities match", len(v.Matched), len(obs.Entities))
	} else {
		v.Reason = fmt.Sprintf("none of %d entities match", len(obs.Entities))
	}
	return v
}

// Matches reports whether e satisfies the list predicate of th.
// With EntityMin and EntityMatch both set the two are OR-ed; with neither
// set every entity matches.
func Matches(e source.Entity, th Threshold) bool {
	if th.EntityMin == nil && len(th.EntityMatch) == 0 {
		return true
	}
	if th.EntityMin != nil && e.Value >= *th.EntityMin {
		return true
	}
	if len(th.EntityMatch) > 0 {
		for k, want := range th.EntityMatch {
			if e.Labels[k] != want {
				return false
			}
		}
		return true
	}
	return false
}

// compare applies a strict comparison operator.
func compare(v float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return v < threshold
	default:
		return v > threshold
	}
}

func opOrDefault(op string) string {
	if op == "" {
		return ">"
	}
	return op
}
