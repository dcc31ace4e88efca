package httpapi

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mohans/researchq/researchq"
)

const writeWait = 10 * time.Second

type wsMessage struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

func messageFor(ev researchq.Event) wsMessage {
	msg := wsMessage{
		TaskID:    ev.TaskID,
		Status:    wireState(ev.State),
		Progress:  ev.Progress,
		Timestamp: ev.At,
	}
	if ev.Task != nil && ev.Task.Error != nil {
		msg.Message = ev.Task.Error.Message
	}
	return msg
}

// handleWebSocket streams task events until the task finishes or the client
// goes away.
func (s *Server) handleWebSocket(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	events, err := s.notifier.Subscribe(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("websocket upgrade failed", "task_id", id, "error", err)
		return
	}
	defer conn.Close()
	log := s.logger.With("task_id", id)

	// The read side only handles control frames; a read error means the
	// client is gone.
	conn.SetReadLimit(512)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()

	var last researchq.State
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				code, text := websocket.CloseNormalClosure, "task finished"
				if !last.Terminal() {
					code, text = websocket.CloseTryAgainLater, "subscription ended"
				}
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
				return
			}
			last = ev.State
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(messageFor(ev)); err != nil {
				log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
