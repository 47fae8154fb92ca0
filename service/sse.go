package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chamikabm/bidopsai/workflow"
	"github.com/chamikabm/bidopsai/workflow/events"
)

// drainWindow bounds how long the invoke handler waits for events still in
// the bus pump after the invocation returns.
const drainWindow = 200 * time.Millisecond

// terminalErrorEvent is the handler-level terminal marker, distinct from the
// workflow's own error_occurred events.
const terminalErrorEvent = "error"

// sseWriter renders events in server-sent event wire format:
// "id: <n>\nevent: <type>\ndata: <json>\n\n".
type sseWriter struct {
	w gin.ResponseWriter
}

func newSSEWriter(c *gin.Context) *sseWriter {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	return &sseWriter{w: c.Writer}
}

// WriteRetry emits the reconnect hint clients honor on disconnect.
func (s *sseWriter) WriteRetry(millis int) {
	fmt.Fprintf(s.w, "retry: %d\n\n", millis)
	s.w.Flush()
}

// WriteEvent emits one event and flushes it to the client.
func (s *sseWriter) WriteEvent(ev *events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	s.w.Flush()
}

// WriteError emits a handler-level error event for failures that occur
// outside the workflow's own event stream.
func (s *sseWriter) WriteError(err error) {
	payload := map[string]any{"error": err.Error()}
	var werr *workflow.Error
	if errors.As(err, &werr) {
		payload["error_code"] = werr.Code
		payload["is_recoverable"] = werr.Recoverable
	}
	data, merr := json.Marshal(payload)
	if merr != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", terminalErrorEvent, data)
	s.w.Flush()
}

// Drain forwards events still in flight after the invocation returned, giving
// the bus pump a short window to deliver them.
func (s *sseWriter) Drain(ch <-chan *events.Event) {
	timer := time.NewTimer(drainWindow)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.WriteEvent(ev)
		case <-timer.C:
			return
		}
	}
}

// decodeInvokeRequest unmarshals an already schema-validated body.
func decodeInvokeRequest(body []byte) (*invokeRequest, error) {
	var req invokeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}

// parseLastEventID reads the client's replay cursor from the standard SSE
// header or the last_event_id query parameter.
func parseLastEventID(c *gin.Context) uint64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("last_event_id")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
