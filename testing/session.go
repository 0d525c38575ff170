package testing

import (
	"context"
	"slices"
	"sync"

	"github.com/thingsboard/thingsboard-sub020/types"
)

// SessionError is one error reported through a RecordingSession.
type SessionError struct {
	SessionID      string
	SubscriptionID int
	Code           types.ErrorCode
	Message        string
}

// RecordingSession is a types.SessionTransport that records reported errors.
//
// Every session is alive until Disconnect is called for it.
type RecordingSession struct {
	mu     sync.Mutex
	dead   map[string]struct{}
	errors []SessionError
}

var _ types.SessionTransport = (*RecordingSession)(nil)

// NewRecordingSession creates a session transport with every session alive.
func NewRecordingSession() *RecordingSession {
	return &RecordingSession{dead: make(map[string]struct{})}
}

// Disconnect marks sessionID as no longer alive.
func (s *RecordingSession) Disconnect(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead[sessionID] = struct{}{}
}

// IsAlive implements types.SessionTransport.
func (s *RecordingSession) IsAlive(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, dead := s.dead[sessionID]

	return !dead
}

// SendError implements types.SessionTransport.
func (s *RecordingSession) SendError(_ context.Context, sessionID string, subscriptionID int, code types.ErrorCode, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, SessionError{
		SessionID:      sessionID,
		SubscriptionID: subscriptionID,
		Code:           code,
		Message:        msg,
	})

	return nil
}

// Errors returns a copy of the reported errors.
func (s *RecordingSession) Errors() []SessionError {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.errors)
}
