package federation

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/lanmesh/hub/internal/protocol"
	"github.com/lanmesh/hub/internal/resilience"
)

const (
	connectTimeout = 10 * time.Second
	pingInterval   = 15 * time.Second
)

// Link maintains one long-lived TCP connection to a peer hub, with hello
// on establish, a framed receive loop, periodic pings and exponential
// backoff reconnects. Connection loss schedules exactly one reconnect.
type Link struct {
	peer    PeerConfig
	hubID   string
	backoff resilience.RetryPolicy

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	closed    bool

	done    chan struct{}
	stopped chan struct{}

	onEnvelope   func(link *Link, env *protocol.Envelope)
	onConnect    func(link *Link)
	onDisconnect func(link *Link)

	logger *log.Logger
}

func newLink(hubID string, peer PeerConfig) *Link {
	return &Link{
		peer:  peer,
		hubID: hubID,
		backoff: resilience.RetryPolicy{
			MaxRetries: 0, // reconnect forever
			Base:       2 * time.Second,
			Factor:     2,
			MaxDelay:   60 * time.Second,
		},
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  log.New(log.Writer(), "[FEDERATION] ", log.LstdFlags),
	}
}

// HubID returns the peer hub's id.
func (l *Link) HubID() string { return l.peer.HubID }

// Connected reports whether the link currently has a live connection.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Link) start() { go l.run() }

func (l *Link) stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()

	select {
	case <-l.stopped:
	case <-time.After(2 * time.Second):
	}
}

// run is the single reconnect loop: dial, hello, receive until the
// connection drops, back off, repeat.
func (l *Link) run() {
	defer close(l.stopped)
	attempt := 0
	for {
		select {
		case <-l.done:
			return
		default:
		}

		addr := fmt.Sprintf("%s:%d", l.peer.Host, l.peer.Port)
		conn, err := net.DialTimeout("tcp", addr, connectTimeout)
		if err != nil {
			delay := l.backoff.Delay(attempt)
			attempt++
			l.logger.Printf("⚠️  %s unreachable (%v), retrying in %s", l.peer.HubID, err, delay)
			select {
			case <-l.done:
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.conn = conn
		l.connected = true
		l.mu.Unlock()

		l.logger.Printf("✅ connected to %s at %s", l.peer.HubID, addr)
		hello := protocol.NewEnvelope(protocol.TypeFedHello, l.hubID, l.peer.HubID, map[string]interface{}{
			"hub_id": l.hubID,
		})
		l.Send(hello)
		if l.onConnect != nil {
			l.onConnect(l)
		}

		pingStop := l.startPings()
		l.receiveLoop(conn)
		close(pingStop)

		l.mu.Lock()
		l.connected = false
		l.conn = nil
		l.mu.Unlock()

		if l.onDisconnect != nil {
			l.onDisconnect(l)
		}
		l.logger.Printf("⚠️  link to %s lost", l.peer.HubID)
	}
}

func (l *Link) startPings() chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-l.done:
				return
			case <-ticker.C:
				l.Send(protocol.NewEnvelope(protocol.TypeFedPing, l.hubID, l.peer.HubID, nil))
			}
		}
	}()
	return stop
}

func (l *Link) receiveLoop(conn net.Conn) {
	for {
		env, err := protocol.ReadEnvelope(conn)
		if err != nil {
			conn.Close()
			return
		}
		if l.onEnvelope != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						l.logger.Printf("⚠️  envelope handler panicked: %v", r)
					}
				}()
				l.onEnvelope(l, env)
			}()
		}
	}
}

// Send frames one envelope onto the live connection; false when the link
// is down or the write fails (which also tears the connection down so the
// reconnect loop takes over).
func (l *Link) Send(env *protocol.Envelope) bool {
	l.mu.Lock()
	conn := l.conn
	ok := l.connected
	l.mu.Unlock()
	if !ok || conn == nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(connectTimeout))
	if err := protocol.WriteEnvelope(conn, env); err != nil {
		l.logger.Printf("⚠️  write to %s failed: %v", l.peer.HubID, err)
		conn.Close()
		return false
	}
	return true
}
