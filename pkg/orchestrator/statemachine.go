package orchestrator

import (
	"fmt"
	"sync"
)

// State is one of the six turn states a pipeline instance can occupy.
type State string

const (
	StateIdle        State = "Idle"
	StateListening   State = "Listening"
	StateProcessing  State = "Processing"
	StateSpeaking    State = "Speaking"
	StateActive      State = "Active"
	StateInterrupted State = "Interrupted"
)

// InvalidTransitionError reports an attempted transition outside the
// declared table. It is a programmer error, not a recoverable condition.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("orchestrator: invalid transition %s -> %s", e.From, e.To)
}

// transitions enumerates every allowed (from, to) pair. Anything not listed
// here fails with InvalidTransitionError.
var transitions = map[State]map[State]bool{
	StateIdle:        {StateListening: true},
	StateListening:   {StateProcessing: true},
	StateProcessing:  {StateSpeaking: true},
	StateSpeaking:    {StateActive: true, StateInterrupted: true, StateProcessing: true},
	StateActive:      {StateListening: true, StateIdle: true},
	StateInterrupted: {StateListening: true},
}

// StateMachine is the six-state FSM gating the turn orchestrator. All
// methods are safe to call from a single event-loop goroutine; it carries
// its own mutex only because the HTTP diagnostics surface reads Current
// from a different goroutine.
type StateMachine struct {
	mu      sync.RWMutex
	current State
}

// NewStateMachine returns a machine starting in Idle.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateIdle}
}

// Current returns the present state.
func (m *StateMachine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// transition performs the (from, to) move if and only if it is allowed from
// the CURRENT state, returning InvalidTransitionError otherwise.
func (m *StateMachine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := transitions[m.current]
	if !allowed[to] {
		return &InvalidTransitionError{From: m.current, To: to}
	}
	m.current = to
	return nil
}

// OnSpeechDetected drives Idle->Listening or Active->Listening or
// Speaking->Interrupted, depending on the current state.
func (m *StateMachine) OnSpeechDetected() error {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	switch cur {
	case StateSpeaking:
		return m.transition(StateInterrupted)
	default:
		return m.transition(StateListening)
	}
}

// OnUtteranceComplete drives Listening->Processing.
func (m *StateMachine) OnUtteranceComplete() error {
	return m.transition(StateProcessing)
}

// OnTTSStarted drives Processing->Speaking.
func (m *StateMachine) OnTTSStarted() error {
	return m.transition(StateSpeaking)
}

// OnTTSComplete drives Speaking->Active. It fails if the current state is
// not Speaking.
func (m *StateMachine) OnTTSComplete() error {
	return m.transition(StateActive)
}

// TryOnTTSComplete attempts Speaking->Active but, unlike OnTTSComplete,
// returns (false, nil) instead of an error when the state has moved to
// Interrupted since streaming began (a concurrent barge-in). Any other
// invalid-transition case is still reported as an error.
func (m *StateMachine) TryOnTTSComplete() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == StateInterrupted {
		return false, nil
	}
	allowed := transitions[m.current]
	if !allowed[StateActive] {
		return false, &InvalidTransitionError{From: m.current, To: StateActive}
	}
	m.current = StateActive
	return true, nil
}

// OnToolIteration drives Speaking->Processing (the LLM returned tool_use
// blocks and the orchestrator must loop back for another completion).
func (m *StateMachine) OnToolIteration() error {
	return m.transition(StateProcessing)
}

// OnActiveTimeout drives Active->Idle.
func (m *StateMachine) OnActiveTimeout() error {
	return m.transition(StateIdle)
}

// OnInterruptHandled drives Interrupted->Listening.
func (m *StateMachine) OnInterruptHandled() error {
	return m.transition(StateListening)
}

// ForceTo unconditionally sets the state, bypassing the transition table.
// Used only by the response-processing error-recovery path and by hard
// resets on connection failure, where recovery needs to land on a
// specific state regardless of the one it is leaving.
func (m *StateMachine) ForceTo(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
}

// VADThreshold is a derived property of the current state: elevated while
// Speaking (to reduce self-triggering on the assistant's own audio),
// normal otherwise.
func (m *StateMachine) VADThreshold(normal, speaking float64) float64 {
	if m.Current() == StateSpeaking {
		return speaking
	}
	return normal
}
