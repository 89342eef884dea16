package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fleetcore/internal/apperrors"
)

// writeWait bounds how long a single frame write may block before the
// connection is considered dead.
const writeWait = 10 * time.Second

// Close codes for the log-stream endpoint. Sent as websocket close frames
// after the upgrade so clients see the reason rather than a bare handshake
// failure.
const (
	closeUnauthenticated = 4401
	closeForbidden       = 4403
	closeUnknownRun      = 4404
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSubscriber adapts a *websocket.Conn to logstream.Subscriber.
type wsSubscriber struct {
	conn *websocket.Conn
	done chan struct{}
}

func (s *wsSubscriber) Send(frame []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *wsSubscriber) Done() <-chan struct{} { return s.done }

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

// HandleLogStreamWS upgrades to a websocket and bridges it to C8's
// replay-then-forward Stream. Authorization and run lookup happen after the
// upgrade so rejected callers receive the 44xx close codes instead of a
// failed handshake.
func (h *Handler) HandleLogStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed: %v", err)
		return
	}

	if _, err := h.deps.Authorizer.Authorize(r); err != nil {
		code := closeUnauthenticated
		if errors.Is(err, apperrors.ErrForbidden) {
			code = closeForbidden
		}
		closeWith(conn, code, err.Error())
		return
	}

	runID := r.PathValue("run_id")
	if _, err := h.deps.Registry.GetRun(r.Context(), runID); err != nil {
		closeWith(conn, closeUnknownRun, "unknown run")
		return
	}
	defer conn.Close()

	sub := &wsSubscriber{conn: conn, done: make(chan struct{})}

	// Watch the socket for disconnect (client close, read error) in the
	// background; the Stream's forward loop only writes.
	go func() {
		defer close(sub.done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.deps.LogStream.Serve(r.Context(), runID, sub); err != nil {
		h.log.Warn("log stream for run %s ended with error: %v", runID, err)
	}
}
