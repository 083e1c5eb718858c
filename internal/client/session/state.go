package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition indicates a state change the FSM does not allow
var ErrInvalidTransition = errors.New("invalid session state transition")

// State состояние сессии
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateSyncing       State = "syncing"
	StateIdle          State = "idle"
	StateReconnecting  State = "reconnecting"
)

// transitions допустимые переходы. Reconnecting достижим из любого
// состояния с открытым или открывающимся соединением.
var transitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateAuthenticated, StateReconnecting, StateDisconnected},
	StateAuthenticated: {StateSyncing, StateIdle, StateReconnecting, StateDisconnected},
	StateSyncing:       {StateIdle, StateReconnecting, StateDisconnected},
	StateIdle:          {StateSyncing, StateReconnecting, StateDisconnected},
	StateReconnecting:  {StateConnecting, StateDisconnected},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FSM хранит текущее состояние и проверяет переходы
type FSM struct {
	onChange func(from, to State)
	state    State
	mu       sync.Mutex
}

// NewFSM создает FSM в состоянии Disconnected. onChange может быть nil.
func NewFSM(onChange func(from, to State)) *FSM {
	return &FSM{state: StateDisconnected, onChange: onChange}
}

// State возвращает текущее состояние
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Transition переводит FSM в состояние to
func (f *FSM) Transition(to State) error {
	f.mu.Lock()
	from := f.state
	if !CanTransition(from, to) {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	f.state = to
	f.mu.Unlock()

	if f.onChange != nil {
		f.onChange(from, to)
	}
	return nil
}

// TransitionFrom выполняет переход, только если текущее состояние равно from
func (f *FSM) TransitionFrom(from, to State) bool {
	f.mu.Lock()
	if f.state != from || !CanTransition(from, to) {
		f.mu.Unlock()
		return false
	}
	f.state = to
	f.mu.Unlock()

	if f.onChange != nil {
		f.onChange(from, to)
	}
	return true
}
