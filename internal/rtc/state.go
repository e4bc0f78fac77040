package rtc

import (
	"fmt"
	"sync"
)

// State is the negotiation state of a call. Transitions are driven by
// signaling messages and transport state changes; the machine rejects
// anything else.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerSent
	StateAnswerReceived
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerSent:
		return "answer-sent"
	case StateAnswerReceived:
		return "answer-received"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the legal next states per state. Closed is reachable
// from everywhere (explicit hang-up).
var transitions = map[State][]State{
	StateIdle:           {StateOfferSent, StateOfferReceived},
	StateOfferSent:      {StateAnswerReceived, StateFailed},
	StateOfferReceived:  {StateAnswerSent, StateFailed},
	StateAnswerSent:     {StateConnected, StateFailed},
	StateAnswerReceived: {StateConnected, StateFailed},
	StateConnected:      {StateFailed},
	StateFailed:         {},
	StateClosed:         {},
}

// machine guards the negotiation state. At most one outstanding offer per
// direction follows from the transition table: a second local offer is
// impossible until answer-received moves the machine on.
type machine struct {
	mu    sync.Mutex
	state State
}

func newMachine() *machine {
	return &machine{state: StateIdle}
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to next if legal, returning the previous state.
func (m *machine) transition(next State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if next == StateClosed {
		prev := m.state
		m.state = StateClosed
		return prev, nil
	}
	if m.state == StateClosed {
		return m.state, fmt.Errorf("call is closed")
	}

	for _, allowed := range transitions[m.state] {
		if allowed == next {
			prev := m.state
			m.state = next
			return prev, nil
		}
	}
	return m.state, fmt.Errorf("illegal negotiation transition %s -> %s", m.state, next)
}
