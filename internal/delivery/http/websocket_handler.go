package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Harsh-BH/Sentinel/judge/internal/domain"
	"github.com/Harsh-BH/Sentinel/judge/internal/judge"
	"github.com/Harsh-BH/Sentinel/judge/internal/usecase"
)

const (
	wsRequestTimeout = 10 * time.Second
	wsWriteTimeout   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // callers are backend services, not browsers
	},
}

// streamError is sent when a request is rejected before judging starts.
type streamError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// WebSocketHandler streams judging progress over a WebSocket.
type WebSocketHandler struct {
	judgeUC *usecase.JudgeSubmissionUsecase
	logger  *zap.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(judgeUC *usecase.JudgeSubmissionUsecase, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		judgeUC: judgeUC,
		logger:  logger,
	}
}

// Stream handles GET /api/v1/judge/stream (WebSocket upgrade). The first
// client message is a JudgeRequest; the server answers with one event per
// stage and test case, ending with a "finished" event carrying the result.
func (h *WebSocketHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var req domain.JudgeRequest
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestTimeout))
	if err := conn.ReadJSON(&req); err != nil {
		h.logger.Debug("WebSocket request read failed", zap.Error(err))
		h.closeWith(conn, websocket.CloseUnsupportedData, "invalid judge request")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	// A client that goes away cancels its judging.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	var mu sync.Mutex
	write := func(v any) error {
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}

	rep := judge.ReporterFunc(func(_ context.Context, ev judge.Event) error {
		return write(ev)
	})

	if _, err := h.judgeUC.Execute(ctx, &req, rep); err != nil {
		_, msg := statusForError(err)
		if werr := write(streamError{Type: "error", Error: msg}); werr != nil {
			h.logger.Debug("WebSocket write failed (client disconnected)", zap.Error(werr))
			return
		}
		h.closeWith(conn, websocket.ClosePolicyViolation, msg)
		return
	}

	h.closeWith(conn, websocket.CloseNormalClosure, "")
}

func (h *WebSocketHandler) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout)); err != nil {
		h.logger.Debug("WebSocket close failed", zap.Error(err))
	}
}
