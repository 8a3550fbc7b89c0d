// Package permission decides whether tool invocations requested by the
// agent runtime may run, and holds pending human escalations.
package permission

import (
	"fmt"
	"strings"
)

type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
	// BehaviorAsk means the gate has no automatic answer and the caller
	// must pick one, typically by asking the user.
	BehaviorAsk Behavior = "ask"
)

type Verdict struct {
	Behavior Behavior
	Input    map[string]any
	Reason   string
	Key      string
}

func (v Verdict) Allowed() bool { return v.Behavior == BehaviorAllow }

// TableSource supplies approval table snapshots. *Store satisfies it.
type TableSource interface {
	Snapshot() Table
}

type staticTable Table

func (s staticTable) Snapshot() Table { return Table(s) }

// StaticTable wraps a fixed table as a TableSource.
func StaticTable(t Table) TableSource { return staticTable(t) }

type Gate struct {
	tables TableSource
}

func NewGate(tables TableSource) *Gate {
	if tables == nil {
		tables = StaticTable(NewTable(nil))
	}
	return &Gate{tables: tables}
}

// Decide classifies a tool request against the current approval snapshot.
// Built-in tools are allowed. Namespaced tools are allowed only with an
// always_allowed record, denied when disabled, and otherwise returned as
// BehaviorAsk.
func (g *Gate) Decide(name string, input map[string]any) Verdict {
	return DecideWith(g.tables.Snapshot(), name, input)
}

func DecideWith(table Table, name string, input map[string]any) Verdict {
	tool := ParseToolName(name)
	if !tool.Namespaced {
		return Verdict{Behavior: BehaviorAllow, Input: input, Reason: "built-in tool"}
	}

	key := tool.Key()
	state, ok := table.Lookup(key)
	if !ok {
		return Verdict{Behavior: BehaviorAsk, Input: input, Key: key, Reason: "no approval record for " + key}
	}
	switch state {
	case StateAlwaysAllowed:
		return Verdict{Behavior: BehaviorAllow, Input: input, Key: key, Reason: "always allowed"}
	case StateDisabled:
		return Verdict{Behavior: BehaviorDeny, Key: key, Reason: fmt.Sprintf("tool %s is disabled", key)}
	default:
		return Verdict{Behavior: BehaviorAsk, Input: input, Key: key, Reason: "tool " + key + " requires approval"}
	}
}

// UnapprovedPolicy says what to do with an ask verdict.
type UnapprovedPolicy string

const (
	UnapprovedAsk   UnapprovedPolicy = "ask"
	UnapprovedAllow UnapprovedPolicy = "allow"
	UnapprovedDeny  UnapprovedPolicy = "deny"
)

func ParseUnapprovedPolicy(raw string) (UnapprovedPolicy, error) {
	switch p := UnapprovedPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case UnapprovedAsk, UnapprovedAllow, UnapprovedDeny:
		return p, nil
	case "":
		return UnapprovedAsk, nil
	default:
		return "", fmt.Errorf("unknown unapproved policy %q", raw)
	}
}
