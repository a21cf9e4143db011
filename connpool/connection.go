package connpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState is the lifecycle state of one connection.
type ConnState int32

const (
	StateOpen ConnState = iota
	StateAuthenticating
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons reported to clients and logs.
const (
	ReasonSuperseded = "superseded"
	ReasonHeartbeat  = "heartbeat_timeout"
	ReasonTransport  = "transport_error"
	ReasonShutdown   = "server_shutdown"
	ReasonRequested  = "client_requested"
)

// Connection is one live client transport. Exclusively owned by the Pool;
// other components reference it only by id.
type Connection struct {
	id   string
	conn *websocket.Conn

	state  atomic.Int32
	userID atomic.Value // string, set on successful auth
	creds  atomic.Value // Credentials, set on successful auth

	connectedAt  time.Time
	lastActivity atomic.Value // time.Time
	messagesIn   atomic.Int64
	messagesOut  atomic.Int64
	bytesOut     atomic.Int64

	// gorilla/websocket panics on concurrent writes to one connection.
	writeMutex sync.Mutex
	closeOnce  sync.Once
	closed     atomic.Bool
}

func newConnection(id string, conn *websocket.Conn) *Connection {
	c := &Connection{
		id:          id,
		conn:        conn,
		connectedAt: time.Now(),
	}
	c.state.Store(int32(StateOpen))
	c.lastActivity.Store(time.Now())
	c.userID.Store("")
	return c
}

// ID returns the connection's opaque identifier.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// UserID returns the authenticated user, or empty before auth completes.
func (c *Connection) UserID() string {
	id, _ := c.userID.Load().(string)
	return id
}

// Credentials returns the credentials bound at auth time, zero before then.
func (c *Connection) Credentials() Credentials {
	creds, _ := c.creds.Load().(Credentials)
	return creds
}

// Authenticated reports whether the handshake has completed.
func (c *Connection) Authenticated() bool {
	return c.State() == StateAuthenticated
}

// LastActivity returns the time of the last inbound frame or pong.
func (c *Connection) LastActivity() time.Time {
	t, _ := c.lastActivity.Load().(time.Time)
	return t
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now())
}

// write sends one prepared frame over the transport with a deadline.
func (c *Connection) write(data []byte, timeout time.Duration) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if c.closed.Load() {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.messagesOut.Add(1)
	c.bytesOut.Add(int64(len(data)))
	return nil
}

// writeControl sends a websocket control message (close frames).
func (c *Connection) writeControl(messageType int, data []byte, timeout time.Duration) error {
	return c.conn.WriteControl(messageType, data, time.Now().Add(timeout))
}
