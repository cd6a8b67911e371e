package strategy

import "sync"

// StateMachine tracks cycle phases. It doubles as the busy/idle flag: only
// Begin moves out of IDLE, and only one caller can win it.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

// Begin claims the machine for a new cycle. It reports false when a cycle
// is already in flight.
func (s *StateMachine) Begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return false
	}
	s.state = StateSnapshot
	return true
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nextState(s.state, event)
	return s.state
}

func (s *StateMachine) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StateMachine) Busy() bool {
	return s.State() != StateIdle
}

func nextState(current State, event Event) State {
	if event == EventDone {
		return StateIdle
	}
	switch current {
	case StateIdle:
		if event == EventBegin {
			return StateSnapshot
		}
	case StateSnapshot:
		if event == EventSnapshotOK {
			return StateSell
		}
	case StateSell:
		if event == EventSellDone {
			return StateClassify
		}
	case StateClassify:
		if event == EventClassified {
			return StateBuy
		}
		if event == EventClassifyFailed {
			return StateFinalize
		}
	case StateBuy:
		if event == EventBuyDone {
			return StateFinalize
		}
	}
	return current
}
