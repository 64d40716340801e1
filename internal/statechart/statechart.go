// Package statechart is the declarative session lifecycle chart:
// queued → running → waiting_user → queued → … → succeeded|failed|canceled.
package statechart

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// State is a session lifecycle state.
type State string

const (
	Queued      State = "queued"
	Running     State = "running"
	WaitingUser State = "waiting_user"
	Succeeded   State = "succeeded"
	Failed      State = "failed"
	Canceled    State = "canceled"
)

// Event is a lifecycle trigger.
type Event string

const (
	TurnStarted            Event = "turn.started"
	TurnNeedsInput         Event = "turn.needs_input"
	TurnSucceeded          Event = "turn.succeeded"
	TurnFailed             Event = "turn.failed"
	ReplyAccepted          Event = "interaction.reply.accepted"
	AutoDecideTimeout      Event = "interaction.auto_decide.timeout"
	RunCanceled            Event = "run.canceled"
	RestartPreserveWaiting Event = "restart.preserve_waiting"
	RestartReconcileFailed Event = "restart.reconcile_failed"
)

// Transition is one row of the static transition set.
type Transition struct {
	Source State
	Event  Event
	Target State
	Action string
}

// Initial is the entry state of every session.
const Initial = Queued

// States lists every declared state.
func States() []State {
	return []State{Queued, Running, WaitingUser, Succeeded, Failed, Canceled}
}

// Terminal reports membership in the terminal set.
func Terminal(s State) bool {
	return s == Succeeded || s == Failed || s == Canceled
}

// Transitions returns the full static transition set in declaration order.
func Transitions() []Transition {
	return []Transition{
		{Queued, TurnStarted, Running, "acquire_slot"},
		{Running, TurnNeedsInput, WaitingUser, "persist_pending"},
		{WaitingUser, ReplyAccepted, Queued, "requeue_resume_turn"},
		{WaitingUser, AutoDecideTimeout, Queued, "requeue_auto_resume_turn"},
		{Running, TurnSucceeded, Succeeded, ""},
		{Running, TurnFailed, Failed, ""},
		{WaitingUser, RunCanceled, Canceled, ""},
		{Queued, RunCanceled, Canceled, ""},
		{Running, RunCanceled, Canceled, ""},
		{WaitingUser, RestartPreserveWaiting, WaitingUser, ""},
		{WaitingUser, RestartReconcileFailed, Failed, ""},
		{Queued, RestartReconcileFailed, Failed, ""},
		{Running, RestartReconcileFailed, Failed, ""},
	}
}

type key struct {
	source State
	event  Event
}

// Chart indexes the transition table for dispatch.
type Chart struct {
	index map[key]Transition
}

// New builds the chart, failing on duplicate (source, event) keys or on any
// edge leaving a terminal state.
func New() (*Chart, error) {
	index := make(map[key]Transition)
	for _, t := range Transitions() {
		if Terminal(t.Source) {
			return nil, fmt.Errorf("transition %s/%s leaves terminal state", t.Source, t.Event)
		}
		k := key{t.Source, t.Event}
		if _, dup := index[k]; dup {
			return nil, fmt.Errorf("duplicate transition key (%s, %s)", t.Source, t.Event)
		}
		index[k] = t
	}
	return &Chart{index: index}, nil
}

// Dispatch applies event to state, returning the matched transition.
func (c *Chart) Dispatch(state State, event Event) (Transition, error) {
	if Terminal(state) {
		return Transition{}, fmt.Errorf("state %s is terminal; event %s rejected", state, event)
	}
	t, ok := c.index[key{state, event}]
	if !ok {
		return Transition{}, fmt.Errorf("no transition from %s on %s", state, event)
	}
	return t, nil
}

// Reachable computes the states reachable from the initial state.
func (c *Chart) Reachable() map[State]bool {
	seen := map[State]bool{Initial: true}
	frontier := []State{Initial}
	for len(frontier) > 0 {
		s := frontier[0]
		frontier = frontier[1:]
		for _, t := range Transitions() {
			if t.Source == s && !seen[t.Target] {
				seen[t.Target] = true
				frontier = append(frontier, t.Target)
			}
		}
	}
	return seen
}

// WaitingRecoveryEvent picks the restart event for a session found in
// waiting_user: the wait survives only when both the pending interaction and
// a valid handle survived the restart.
func WaitingRecoveryEvent(hasPendingInteraction, hasValidHandle bool) Event {
	if hasPendingInteraction && hasValidHandle {
		return RestartPreserveWaiting
	}
	return RestartReconcileFailed
}

// yamlContract mirrors the declarative chart document.
type yamlContract struct {
	Initial     string   `yaml:"initial"`
	States      []string `yaml:"states"`
	Terminal    []string `yaml:"terminal"`
	Transitions []struct {
		Source string `yaml:"source"`
		Event  string `yaml:"event"`
		Target string `yaml:"target"`
		Action string `yaml:"action,omitempty"`
	} `yaml:"transitions"`
}

// ContractYAML renders the chart as its declarative YAML contract.
func ContractYAML() ([]byte, error) {
	doc := yamlContract{Initial: string(Initial)}
	for _, s := range States() {
		doc.States = append(doc.States, string(s))
		if Terminal(s) {
			doc.Terminal = append(doc.Terminal, string(s))
		}
	}
	for _, t := range Transitions() {
		doc.Transitions = append(doc.Transitions, struct {
			Source string `yaml:"source"`
			Event  string `yaml:"event"`
			Target string `yaml:"target"`
			Action string `yaml:"action,omitempty"`
		}{string(t.Source), string(t.Event), string(t.Target), t.Action})
	}
	return yaml.Marshal(doc)
}

// VerifyContract checks a YAML contract document against the compiled chart.
func VerifyContract(raw []byte) error {
	var doc yamlContract
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode contract: %w", err)
	}
	if doc.Initial != string(Initial) {
		return fmt.Errorf("contract initial state %q != %q", doc.Initial, Initial)
	}
	declared := map[string]bool{}
	for _, s := range States() {
		declared[string(s)] = true
	}
	if len(doc.States) != len(declared) {
		return fmt.Errorf("contract declares %d states, chart has %d", len(doc.States), len(declared))
	}
	for _, s := range doc.States {
		if !declared[s] {
			return fmt.Errorf("contract declares unknown state %q", s)
		}
	}
	want := Transitions()
	if len(doc.Transitions) != len(want) {
		return fmt.Errorf("contract declares %d transitions, chart has %d", len(doc.Transitions), len(want))
	}
	for i, t := range doc.Transitions {
		w := want[i]
		if t.Source != string(w.Source) || t.Event != string(w.Event) || t.Target != string(w.Target) || t.Action != w.Action {
			return fmt.Errorf("contract transition %d mismatch: %+v vs %+v", i, t, w)
		}
	}
	return nil
}
