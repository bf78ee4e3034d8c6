package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	errx "github.com/allthriveai/allthriveai-sub004/internal/core/error"
	"github.com/allthriveai/allthriveai-sub004/internal/gateway"
	"github.com/allthriveai/allthriveai-sub004/internal/model"
	logx "github.com/allthriveai/allthriveai-sub004/pkg/logger"
)

// inboundFrame is the only frame clients send.
type inboundFrame struct {
	ConversationID string `json:"conversation_id" validate:"omitempty,max=128"`
	Text           string `json:"text" validate:"required"`
}

// wsConn adapts a websocket to gateway.Conn. Data frames are written by one
// goroutine at a time (the manager serialises them); pings go through
// WriteControl, which gorilla allows concurrently.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) WriteFrame(ctx context.Context, f model.Frame) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (s *Server) handleWebSocket(c *gin.Context) {
	creds := credentials(c)
	if _, err := s.auth.Authenticate(c.Request.Context(), creds); err != nil {
		respondError(c, err)
		return
	}

	var lastSeq *int64
	if v := c.Query("last_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			respondError(c, errx.BadRequest(err, "last_seq must be a non-negative integer"))
			return
		}
		lastSeq = &n
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already wrote an HTTP error.
		logx.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := &wsConn{ws: ws}

	// The connection outlives the upgrade request.
	ctx := context.WithoutCancel(c.Request.Context())
	h, err := s.gateway.OnConnect(ctx, gateway.ConnectRequest{
		Credentials:    creds,
		ConversationID: c.Query("conversation_id"),
		LastSeq:        lastSeq,
		Conn:           conn,
	})
	if err != nil {
		s.closeWithError(ws, err)
		return
	}
	defer s.gateway.OnDisconnect(h)
	defer ws.Close()

	s.readLoop(ctx, ws, h)
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, h *gateway.Handle) {
	pongWait := 2 * s.cfg.PingInterval
	// Oversized messages must still reach the manager to be rejected.
	ws.SetReadLimit(int64(4*s.maxPayload + 4096))
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(ws, stop)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logx.Debug().Err(err).Str("connection_id", h.ID).Msg("websocket read ended")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			s.gateway.Reject(h, errx.BadRequest(err, "frame is not valid JSON"))
			continue
		}
		if err := s.validate.Struct(in); err != nil {
			s.gateway.Reject(h, errx.BadRequest(err, "frame requires a text field"))
			continue
		}
		if id := strings.TrimSpace(in.ConversationID); id != "" && id != h.ConversationID {
			s.gateway.Reject(h, errx.BadRequest(nil, "conversation_id does not match this connection"))
			continue
		}

		// Errors were already written to the client as rejection frames.
		_, _ = s.gateway.OnInboundMessage(ctx, h, in.Text)
	}
}

func (s *Server) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// closeWithError reports a failed connect as a rejected frame followed by a
// close frame.
func (s *Server) closeWithError(ws *websocket.Conn, err error) {
	f := model.Frame{
		Type:    model.FrameRejected,
		Code:    string(errx.CodeOf(err)),
		Payload: errx.MessageOf(err),
	}
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if werr := ws.WriteJSON(f); werr != nil {
		logx.Debug().Err(werr).Msg("failed to write connect rejection")
	}

	code := websocket.CloseInternalServerErr
	switch errx.CodeOf(err) {
	case errx.CodeUnauthenticated, errx.CodeConversationNotOwned:
		code = websocket.ClosePolicyViolation
	case errx.CodeStorageUnavailable, errx.CodeOverloaded:
		code = websocket.CloseTryAgainLater
	}
	msg := websocket.FormatCloseMessage(code, string(errx.CodeOf(err)))
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if cerr := ws.Close(); cerr != nil && !errors.Is(cerr, websocket.ErrCloseSent) {
		logx.Debug().Err(cerr).Msg("close websocket")
	}
}
