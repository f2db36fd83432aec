package ebot

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Responder produces the replies for a single conversation. Its state is
// owned by the Session it belongs to.
type Responder interface {
	// Initial is the message sent when the session opens
	Initial() string

	// Respond returns the reply to input
	Respond(ctx context.Context, input string) (string, error)

	// Final is the message sent when the session closes
	Final() string
}

// ResponderFactory builds a Responder for a new session
type ResponderFactory func(userID string) (Responder, error)

// Session is a single user's conversation
type Session struct {
	UserID    string
	ChannelID string
	StartedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	responder    Responder

	// closed is claimed under SessionTable.mu by whichever of Close or
	// Sweep ends the session. Only the claimant sends a closing notice.
	closed bool
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) Responder() Responder {
	return s.responder
}

func (s *Session) touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = at
}

// SessionTable holds at most one Session per user
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewSessionTable() *SessionTable {
	return &SessionTable{
		sessions: map[string]*Session{},
		now:      time.Now,
	}
}

// TouchOrCreate returns the user's session, refreshing its activity time.
// If the user has no session, one is created with a Responder from
// factory, and the second return value is true.
func (t *SessionTable) TouchOrCreate(
	userID string,
	channelID string,
	factory ResponderFactory,
) (*Session, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if s, ok := t.sessions[userID]; ok && !s.closed {
		s.touch(now)
		return s, false, nil
	}

	responder, err := factory(userID)
	if err != nil {
		return nil, false, fmt.Errorf("error creating responder: %w", err)
	}
	s := &Session{
		UserID:       userID,
		ChannelID:    channelID,
		StartedAt:    now,
		lastActivity: now,
		responder:    responder,
	}
	t.sessions[userID] = s
	return s, true, nil
}

// Get returns the user's session without touching it. A session being
// evicted is still returned until its eviction completes.
func (t *SessionTable) Get(userID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[userID]
	return s, ok
}

// Close removes the user's session, returning it if there was one. A
// session already being evicted by Sweep isn't returned: the sweep sends
// its closing notice.
func (t *SessionTable) Close(userID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[userID]
	if !ok || s.closed {
		return nil, false
	}
	s.closed = true
	delete(t.sessions, userID)
	return s, true
}

func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Advance forwards input to the user's responder and returns its reply.
// Users without a session get ("", false, nil).
func (t *SessionTable) Advance(
	ctx context.Context,
	userID string,
	input string,
) (string, bool, error) {
	t.mu.Lock()
	s, ok := t.sessions[userID]
	ok = ok && !s.closed
	t.mu.Unlock()
	if !ok {
		return "", false, nil
	}

	s.touch(t.now())
	reply, err := s.responder.Respond(ctx, input)
	if err != nil {
		return "", true, err
	}
	return reply, true, nil
}

// Sweep evicts every session idle for at least idle. onEvict is called
// for each evicted session before it's removed from the table. Sessions
// closed or used after the scan are skipped.
func (t *SessionTable) Sweep(
	ctx context.Context,
	idle time.Duration,
	onEvict func(ctx context.Context, s *Session),
) int {
	cutoff := t.now().Add(-idle)

	t.mu.Lock()
	var expired []*Session
	for _, s := range t.sessions {
		if !s.LastActivity().After(cutoff) {
			expired = append(expired, s)
		}
	}
	t.mu.Unlock()

	evicted := 0
	for _, s := range expired {
		if ctx.Err() != nil {
			break
		}
		t.mu.Lock()
		claimed := t.sessions[s.UserID] == s && !s.closed &&
			!s.LastActivity().After(cutoff)
		if claimed {
			s.closed = true
		}
		t.mu.Unlock()
		if !claimed {
			continue
		}
		if onEvict != nil {
			onEvict(ctx, s)
		}
		// the user may have opened a new session during onEvict
		t.mu.Lock()
		if t.sessions[s.UserID] == s {
			delete(t.sessions, s.UserID)
		}
		t.mu.Unlock()
		evicted++
	}
	return evicted
}
