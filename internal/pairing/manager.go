package pairing

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

type DialFunc func(ctx context.Context, url string) (Conn, error)

// WebsocketDial is the production DialFunc.
func WebsocketDial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Manager keeps at most one live session per phone number. Starting a new
// session for a number with a live session closes the old connection
// before the new one takes its place.
type Manager struct {
	url  string
	dial DialFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(url string, dial DialFunc) *Manager {
	return &Manager{
		url:      url,
		dial:     dial,
		sessions: make(map[string]*Session),
	}
}

// Start opens a fresh session for the phone number, superseding any
// existing one.
func (m *Manager) Start(ctx context.Context, phone string) (Snapshot, error) {
	if phone == "" {
		return Snapshot{}, errors.New("phone number must not be empty")
	}

	m.mu.Lock()
	prev := m.sessions[phone]
	delete(m.sessions, phone)
	m.mu.Unlock()

	if prev != nil {
		slog.Info("superseding pairing session", "phone", phone)
		prev.Stop()
	}

	conn, err := m.dial(ctx, m.url)
	if err != nil {
		return Snapshot{PhoneNumber: phone, Status: StatusError, ErrorDetail: err.Error()}, err
	}

	s := newSession(phone, conn)
	if err := s.start(); err != nil {
		return s.Snapshot(), err
	}

	m.mu.Lock()
	racer := m.sessions[phone]
	m.sessions[phone] = s
	m.mu.Unlock()

	// A concurrent Start for the same number registered between our two
	// critical sections; latest registration wins, the racer is closed.
	if racer != nil {
		racer.Stop()
	}

	return s.Snapshot(), nil
}

// Stop tears down the session for the phone number if one exists. It is a
// no-op for unknown numbers.
func (m *Manager) Stop(phone string) {
	m.mu.Lock()
	s := m.sessions[phone]
	delete(m.sessions, phone)
	m.mu.Unlock()

	if s != nil {
		s.Stop()
	}
}

// Status reports the session's current snapshot, or Idle when the number
// has no session.
func (m *Manager) Status(phone string) Snapshot {
	m.mu.Lock()
	s := m.sessions[phone]
	m.mu.Unlock()

	if s == nil {
		return Snapshot{PhoneNumber: phone, Status: StatusIdle}
	}
	return s.Snapshot()
}

// Close stops every live session. Called on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}
