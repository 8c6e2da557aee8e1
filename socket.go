package vireo

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// socket is the thin websocket transport for one NodeClient. It owns one
// connection attempt at a time; reconnect scheduling (backoff, jitter,
// attempt counting) is NodeClient's responsibility per §4.2 — the socket
// itself just dials, sends, reads, and reports closure.
type socket struct {
	cfg    *NodeConfig
	url    *url.URL
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	sendCh    chan wsSend

	onMessage func([]byte)
	onClose   func(err error)
}

type wsSend struct {
	data    []byte
	errChan chan error
}

func newSocket(cfg *NodeConfig) *socket {
	u, _ := url.Parse(cfg.socketEndpoint())
	return &socket{
		cfg: cfg,
		url: u,
		dialer: &websocket.Dialer{
			ReadBufferSize:   cfg.BufferSize,
			WriteBufferSize:  cfg.BufferSize,
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		onMessage: func([]byte) {},
		onClose:   func(error) {},
	}
}

// connect performs exactly one dial attempt. It blocks until the connection
// closes (or the context is cancelled), running the read loop inline so the
// caller's goroutine IS the read loop; callers that want concurrency should
// invoke this in its own goroutine.
func (s *socket) connect(ctx context.Context, headers http.Header) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url.String(), headers)
	if err != nil {
		return New(KindTransientNetwork, "socket.connect", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.sendCh = make(chan wsSend)
	s.mu.Unlock()

	done := make(chan struct{})
	go s.sendLoop(done)

	readErr := s.readLoop()

	s.mu.Lock()
	s.connected = false
	close(s.sendCh)
	s.mu.Unlock()
	<-done

	s.onClose(readErr)
	return readErr
}

func (s *socket) sendLoop(done chan struct{}) {
	defer close(done)
	for msg := range s.sendCh {
		msg.errChan <- s.conn.WriteMessage(websocket.TextMessage, msg.data)
	}
}

// readLoop concatenates fragmented/binary frames into a single buffer before
// dispatch, per §6 ("binary and fragmented frames are concatenated before
// parsing").
func (s *socket) readLoop() error {
	for {
		_, r, err := s.conn.NextReader()
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, r); err != nil {
			return err
		}
		s.onMessage(buf.Bytes())
	}
}

func (s *socket) send(data []byte) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return New(KindTransientNetwork, "socket.send", io.ErrClosedPipe)
	}
	ch := s.sendCh
	s.mu.Unlock()

	errChan := make(chan error, 1)
	ch <- wsSend{data: data, errChan: errChan}
	return <-errChan
}

func (s *socket) sendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return New(KindProtocol, "socket.sendJSON", err)
	}
	return s.send(data)
}

func (s *socket) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *socket) close() error {
	s.mu.Lock()
	conn := s.conn
	s.connected = false
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
