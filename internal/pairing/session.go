// Package pairing drives the handshake that binds a phone number to a live
// sending device over a persistent connection to the pairing server.
package pairing

import (
	"sync"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusCodeIssued   Status = "code_issued"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Conn is the persistent connection a session exclusively owns.
// *websocket.Conn satisfies it directly.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type clientFrame struct {
	Action      string `json:"action"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

type serverFrame struct {
	Type        string `json:"type"`
	Status      string `json:"status,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Snapshot is a point-in-time view of a session, safe to hand out while
// the session keeps running.
type Snapshot struct {
	PhoneNumber string `json:"phone_number"`
	Status      Status `json:"status"`
	PairingCode string `json:"pairing_code,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// Session owns one connection. All transitions happen on the single reader
// goroutine, except the stop path, which only closes the connection and
// lets the reader observe the close.
type Session struct {
	phone string
	conn  Conn

	mu        sync.Mutex
	status    Status
	code      string
	errDetail string
	stopping  bool

	stopOnce sync.Once
	done     chan struct{}
}

func newSession(phone string, conn Conn) *Session {
	return &Session{
		phone:  phone,
		conn:   conn,
		status: StatusConnecting,
		done:   make(chan struct{}),
	}
}

// start sends the opening frame and launches the reader.
func (s *Session) start() error {
	if err := s.conn.WriteJSON(clientFrame{Action: "start", PhoneNumber: s.phone}); err != nil {
		s.transition(StatusError, "", err.Error())
		_ = s.conn.Close()
		close(s.done)
		return err
	}
	go s.readLoop()
	return nil
}

func (s *Session) readLoop() {
	defer close(s.done)

	for {
		var f serverFrame
		if err := s.conn.ReadJSON(&f); err != nil {
			s.finishOnReadError(err)
			return
		}

		switch f.Type {
		case "status":
			// Progress echo from the server; carries no transition.
		case "pairing_code":
			s.transition(StatusCodeIssued, f.PairingCode, "")
		case "connected":
			s.transition(StatusConnected, "", "")
		case "disconnected":
			s.transition(StatusDisconnected, "", "")
			_ = s.conn.Close()
			return
		case "error":
			s.transition(StatusError, "", f.Message)
			_ = s.conn.Close()
			return
		}
	}
}

// finishOnReadError parks the session in a terminal state when the
// connection breaks. A stop-initiated close and an unexpected close from
// Connected both end as Disconnected; a broken connection mid-handshake
// is an Error.
func (s *Session) finishOnReadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping || s.status == StatusConnected || s.status == StatusDisconnected {
		s.status = StatusDisconnected
		s.code = ""
		return
	}

	s.status = StatusError
	s.code = ""
	s.errDetail = err.Error()
}

// Stop is safe from any state and idempotent. It sends a best-effort
// disconnect directive, closes the connection, and waits for the reader to
// settle in a terminal state.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()

		_ = s.conn.WriteJSON(clientFrame{Action: "disconnect"})
		_ = s.conn.Close()
		<-s.done
	})
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		PhoneNumber: s.phone,
		Status:      s.status,
		PairingCode: s.code,
		ErrorDetail: s.errDetail,
	}
}

func (s *Session) transition(status Status, code, errDetail string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = status
	s.code = code
	s.errDetail = errDetail
}
