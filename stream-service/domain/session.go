package domain

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInvalidTransition is returned when a session is asked to move to a state it cannot reach.
var ErrInvalidTransition = errors.New("invalid session transition")

// State is the lifecycle of one realtime connection.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is one websocket connection. Outbound frames are queued on a bounded buffer
// drained by the connection's write pump.
type Session struct {
	Handle string

	mu     sync.Mutex
	state  State
	userID string
	boards map[string]struct{}
	send   chan []byte
}

// NewSession returns a Connecting session with a send buffer of the given size.
func NewSession(handle string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{
		Handle: handle,
		boards: make(map[string]struct{}),
		send:   make(chan []byte, buffer),
	}
}

// Authenticate binds the session to userID.
func (s *Session) Authenticate(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting || userID == "" {
		return fmt.Errorf("%w: authenticate from %s", ErrInvalidTransition, s.state)
	}
	s.userID = userID
	s.state = StateAuthenticated
	return nil
}

func (s *Session) markJoined(boardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated && s.state != StateJoined {
		return fmt.Errorf("%w: join from %s", ErrInvalidTransition, s.state)
	}
	s.boards[boardID] = struct{}{}
	s.state = StateJoined
	return nil
}

func (s *Session) markLeft(boardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined {
		return fmt.Errorf("%w: leave from %s", ErrInvalidTransition, s.state)
	}
	if _, ok := s.boards[boardID]; !ok {
		return fmt.Errorf("%w: not joined to %s", ErrInvalidTransition, boardID)
	}
	delete(s.boards, boardID)
	if len(s.boards) == 0 {
		s.state = StateAuthenticated
	}
	return nil
}

// close moves the session to Disconnected and returns the boards it was joined to.
// The second result is false when the session was already closed.
func (s *Session) close() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return nil, false
	}
	s.state = StateDisconnected
	close(s.send)
	boards := make([]string, 0, len(s.boards))
	for b := range s.boards {
		boards = append(boards, b)
	}
	s.boards = nil
	sort.Strings(boards)
	return boards, true
}

// Enqueue queues an encoded frame without blocking. It reports false when the buffer is
// full or the session is gone; the frame is not delivered in either case.
func (s *Session) Enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Outbound is drained by the write pump; it is closed on disconnect.
func (s *Session) Outbound() <-chan []byte { return s.send }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the authenticated user, empty before authentication.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Joined reports whether the session is a member of boardID.
func (s *Session) Joined(boardID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.boards[boardID]
	return ok
}

func (s *Session) member() Member {
	return Member{Handle: s.Handle, UserID: s.UserID()}
}
