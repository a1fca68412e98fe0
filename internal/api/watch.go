package api

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/kdp-orchestrator/internal/logger"
	"github.com/example/kdp-orchestrator/internal/models"
)

const writeWait = 10 * time.Second

var (
	watchPollInterval = time.Second
	watchMaxDuration  = 15 * time.Minute
)

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
}

// checkOrigin accepts requests without an Origin header (CLI clients), same
// host requests and origins listed in ALLOWED_ORIGINS.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	want := strings.TrimSuffix(strings.ToLower(origin), "/")
	return slices.ContainsFunc(h.Config.AllowedOrigins, func(o string) bool {
		return strings.TrimSuffix(strings.ToLower(o), "/") == want
	})
}

type runEvent struct {
	Type string              `json:"type"`
	Run  *models.ResourceRun `json:"run,omitempty"`
	Err  string              `json:"error,omitempty"`
}

// watchRun streams a run over a websocket. A message is sent whenever the
// result or retry count changes; the socket closes once the run succeeds
// or fails.
func (h *Handler) watchRun(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	run, err := h.Orchestration.GetRun(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Uint("run_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	// drain client frames so close and ping control messages are processed
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev runEvent) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev) == nil
	}

	if !send(runEvent{Type: "run", Run: run}) || run.Terminal() {
		closeSocket(conn)
		return
	}

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(watchMaxDuration)
	defer deadline.Stop()

	last := run
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-deadline.C:
			send(runEvent{Type: "timeout"})
			closeSocket(conn)
			return
		case <-ticker.C:
			cur, err := h.Orchestration.GetRun(ctx, id)
			if err != nil {
				send(runEvent{Type: "error", Err: err.Error()})
				closeSocket(conn)
				return
			}
			if cur.Result == last.Result && cur.RetryCount == last.RetryCount {
				continue
			}
			if !send(runEvent{Type: "run", Run: cur}) {
				return
			}
			last = cur
			if cur.Terminal() {
				closeSocket(conn)
				return
			}
		}
	}
}

func closeSocket(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
