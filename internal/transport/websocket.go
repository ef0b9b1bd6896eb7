package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/codefionn/roomchat/internal/consts"
	"github.com/codefionn/roomchat/internal/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxCloseReason is the longest close reason that fits in a control frame
const maxCloseReason = 123

// ErrNotOpen is returned by Send before the handshake completes or after Close
var ErrNotOpen = errors.New("transport is not open")

// WebSocketDialer dials gorilla/websocket connections
type WebSocketDialer struct {
	log *logger.Logger
}

// NewWebSocketDialer creates a dialer. A nil logger falls back to the global one.
func NewWebSocketDialer(l *logger.Logger) *WebSocketDialer {
	if l == nil {
		l = logger.Global()
	}
	return &WebSocketDialer{log: l.WithPrefix("ws")}
}

// Dial validates the URL and starts the handshake in the background
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, opts Options, h Handler) (Transport, error) {
	if h == nil {
		return nil, errors.New("transport handler is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid websocket url scheme %q", u.Scheme)
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = consts.WriteTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = consts.MaxFrameSize
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &wsTransport{
		id:           uuid.Must(uuid.NewV7()).String(),
		log:          d.log,
		cancel:       cancel,
		writeTimeout: opts.WriteTimeout,
		done:         make(chan struct{}),
	}

	go t.run(ctx, rawURL, opts, h)
	return t, nil
}

type wsTransport struct {
	id           string
	log          *logger.Logger
	cancel       context.CancelFunc
	writeTimeout time.Duration

	mu          sync.Mutex
	conn        *websocket.Conn
	closing     bool
	closeCode   int
	closeReason string
	closeOnce   sync.Once

	writeMu sync.Mutex
	done    chan struct{}
}

func (t *wsTransport) ID() string {
	return t.id
}

// run performs the handshake and then pumps inbound frames to h until the
// connection ends. It is the only goroutine calling h.
func (t *wsTransport) run(ctx context.Context, rawURL string, opts Options, h Handler) {
	defer close(t.done)
	defer t.cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     opts.Subprotocols,
	}

	t.log.Debug("dialing %s (transport %s)", rawURL, t.id)
	conn, resp, err := dialer.DialContext(ctx, rawURL, opts.Header)
	if err != nil {
		if code, reason, ok := t.localClose(); ok {
			h.OnClose(code, reason)
			return
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		t.log.Warn("handshake with %s failed: %v", rawURL, err)
		h.OnError(fmt.Errorf("dial %s: %w", rawURL, err))
		h.OnClose(CloseAbnormal, "")
		return
	}

	t.mu.Lock()
	if t.closing {
		code, reason := t.closeCode, t.closeReason
		t.mu.Unlock()
		_ = conn.Close()
		h.OnClose(code, reason)
		return
	}
	t.conn = conn
	t.mu.Unlock()

	conn.SetReadLimit(opts.MaxMessageSize)
	t.log.Info("transport %s open", t.id)
	h.OnOpen()

	t.readPump(conn, h)
}

// readPump pumps frames from the connection to the handler
func (t *wsTransport) readPump(conn *websocket.Conn, h Handler) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if code, reason, ok := t.localClose(); ok {
				h.OnClose(code, reason)
				return
			}

			// gorilla reports a dropped connection as a 1006 CloseError;
			// only a close frame actually sent by the peer counts as a close.
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code != CloseAbnormal {
				t.log.Info("transport %s closed by peer: %d %s", t.id, closeErr.Code, closeErr.Text)
				h.OnClose(closeErr.Code, closeErr.Text)
				return
			}

			t.log.Error("transport %s read error: %v", t.id, err)
			h.OnError(err)
			h.OnClose(CloseAbnormal, "")
			return
		}

		if t.log.Enabled(logger.LevelDebug) {
			t.log.Debug("transport %s received: %s", t.id, string(data))
		}
		h.OnMessage(data)
	}
}

func (t *wsTransport) localClose() (code int, reason string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode, t.closeReason, t.closing
}

// Send writes one text frame
func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	conn, closing := t.conn, t.closing
	t.mu.Unlock()
	if conn == nil || closing {
		return ErrNotOpen
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close sends a close frame and tears the connection down once the peer
// echoes it or the grace period expires. A pending handshake is aborted.
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}

		t.mu.Lock()
		t.closing = true
		t.closeCode = code
		t.closeReason = reason
		conn := t.conn
		t.mu.Unlock()

		t.cancel()
		if conn == nil {
			return
		}

		msg := websocket.FormatCloseMessage(code, reason)
		err = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout))
		if err != nil {
			err = fmt.Errorf("write close frame: %w", err)
		}

		go func() {
			select {
			case <-t.done:
			case <-time.After(consts.CloseGracePeriod):
			}
			_ = conn.Close()
		}()
	})
	return err
}
