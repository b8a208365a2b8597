// Package gateway is the streaming chat surface: it turns a chat request
// into a workflow invocation and relays engine events to the client as
// server-sent events, with bounded buffering and cooperative cancellation.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/engine"
	"github.com/praxis-labs/conductor/internal/metrics"
	"github.com/praxis-labs/conductor/internal/models"
	"github.com/praxis-labs/conductor/internal/orchestrator"
	"github.com/praxis-labs/conductor/internal/session"
	"github.com/praxis-labs/conductor/internal/streaming"
)

const (
	keepaliveInterval = 15 * time.Second
	// startAttempts bounds retries of transient submission failures; the
	// backoff doubles from retryBase (1s, 2s, 4s).
	startAttempts = 3
	retryBase     = time.Second
)

// ChatRequest is the POST /chat/stream body.
type ChatRequest struct {
	Message         string          `json:"message"`
	SessionID       string          `json:"session_id,omitempty"`
	ReferencedFiles []string        `json:"referenced_files,omitempty"`
	Metadata        models.Metadata `json:"metadata,omitempty"`
}

// Gateway serves the chat stream and the raw workflow event feeds.
type Gateway struct {
	svc        *orchestrator.Service
	engine     *engine.Engine
	sessions   *session.Manager
	streams    *streaming.Manager
	logger     *zap.Logger
	bufferSize int
	upgrader   websocket.Upgrader
}

// New creates the gateway.
func New(svc *orchestrator.Service, eng *engine.Engine, sessions *session.Manager, streams *streaming.Manager, logger *zap.Logger, bufferSize int) *Gateway {
	return &Gateway{
		svc:        svc,
		engine:     eng,
		sessions:   sessions,
		streams:    streams,
		logger:     logger,
		bufferSize: bufferSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// HandleChatStream implements POST /chat/stream.
func (g *Gateway) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error_kind":"validation","message":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, `{"error_kind":"validation","message":"message is required"}`, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	sess, err := g.sessions.GetOrCreate(ctx, req.SessionID, r.Header.Get("X-Requester"))
	if err != nil {
		g.logger.Error("Session lookup failed", zap.Error(err))
		http.Error(w, `{"error_kind":"internal","message":"session store unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	if err := g.sessions.AddMessage(ctx, sess.ID, session.Message{
		Role:      "user",
		Content:   req.Message,
		Timestamp: time.Now(),
	}); err != nil {
		g.logger.Warn("Failed to record user turn", zap.Error(err))
	}

	taskID := uuid.New().String()
	submit := orchestrator.SubmitRequest{
		TaskID:      taskID,
		Title:       chatTitle(req.Message),
		Description: req.Message,
		Priority:    models.PriorityMedium,
		Requester:   sess.ID,
		Metadata:    chatMetadata(req),
	}

	// Transient submission failures restart on a fresh attempt with
	// exponential backoff. Mid-stream errors are never retried.
	var (
		task  models.Task
		state engine.State
	)
	for attempt := 0; ; attempt++ {
		task, state, err = g.svc.StartChat(ctx, submit)
		if err == nil {
			break
		}
		if !errors.Is(err, orchestrator.ErrOverloaded) || attempt == startAttempts-1 {
			g.logger.Error("Chat submission failed", zap.Error(err))
			status := http.StatusInternalServerError
			if errors.Is(err, orchestrator.ErrOverloaded) {
				status = http.StatusServiceUnavailable
				w.Header().Set("Retry-After", "5")
			}
			http.Error(w, `{"error_kind":"engine","message":"could not start workflow"}`, status)
			return
		}
		select {
		case <-time.After(retryBase << attempt):
		case <-ctx.Done():
			return
		}
	}
	if err := g.sessions.AttachWorkflow(ctx, sess.ID, taskID); err != nil {
		g.logger.Warn("Failed to attach workflow to session", zap.Error(err))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error_kind":"internal","message":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	buf := newChunkBuffer(g.bufferSize)

	if task.Status == models.TaskStatusApprovalPending {
		buf.push(Chunk{Type: ChunkContent, Content: "This request requires approval before it can run. Approval id: " + task.ApprovalID})
		buf.push(Chunk{Type: ChunkDone, SessionID: sess.ID})
		buf.close()
		g.drain(w, flusher, r, buf, sess.ID)
		return
	}

	events, done, errc := g.engine.StreamEvents(ctx, taskID, state, engine.InvokeConfig{})
	go g.produce(taskID, sess.ID, events, done, errc, buf)
	g.drain(w, flusher, r, buf, sess.ID)
}

// produce translates engine events into wire chunks.
func (g *Gateway) produce(taskID, sessionID string, events <-chan streaming.Event, done <-chan *engine.Result, errc <-chan error, buf *chunkBuffer) {
	defer buf.close()
	doneSent := false

	for evt := range events {
		switch evt.Type {
		case streaming.EventContent:
			buf.push(Chunk{Type: ChunkContent, Content: evt.Message, Agent: evt.AgentID})
		case streaming.EventToolCall:
			buf.push(Chunk{Type: ChunkToolCall, Tool: evt.Tool, Agent: evt.AgentID})
		case streaming.EventAgentComplete:
			buf.push(Chunk{Type: ChunkAgentComplete, Agent: evt.AgentID})
		case streaming.EventError:
			buf.push(Chunk{Type: ChunkError, Error: evt.Message, Agent: evt.AgentID})
		case streaming.EventDone:
			buf.push(Chunk{Type: ChunkDone, SessionID: sessionID})
			doneSent = true
		}
	}

	select {
	case res := <-done:
		if res.Interrupt != nil {
			g.svc.RecordInterrupt(taskID, res.Interrupt)
			buf.push(Chunk{Type: ChunkContent, Content: "Workflow paused for approval. Approval id: " + res.Interrupt.ApprovalID})
		}
		if !doneSent {
			buf.push(Chunk{Type: ChunkDone, SessionID: sessionID})
		}
	case err := <-errc:
		if !doneSent {
			buf.push(Chunk{Type: ChunkError, Error: err.Error()})
			buf.push(Chunk{Type: ChunkDone, SessionID: sessionID})
		}
	default:
		if !doneSent {
			buf.push(Chunk{Type: ChunkDone, SessionID: sessionID})
		}
	}
}

// drain writes buffered chunks to the SSE response until done or client
// disconnect.
func (g *Gateway) drain(w http.ResponseWriter, flusher http.Flusher, r *http.Request, buf *chunkBuffer, sessionID string) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	var transcript strings.Builder
	for {
		if c, ok := buf.pop(); ok {
			if c.Type == chunkKeepalive {
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
				continue
			}
			data, err := json.Marshal(c)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			metrics.StreamChunksSent.WithLabelValues(c.Type).Inc()
			if c.Type == ChunkContent {
				transcript.WriteString(c.Content)
			}
			if c.Type == ChunkDone {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				g.recordAssistantTurn(sessionID, transcript.String())
				return
			}
			flusher.Flush()
			continue
		}
		if buf.isClosed() {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			g.recordAssistantTurn(sessionID, transcript.String())
			return
		}
		select {
		case <-buf.notify:
		case <-ticker.C:
			buf.push(Chunk{Type: chunkKeepalive})
		case <-r.Context().Done():
			// Client went away; the shared request context cancels the
			// engine run, which writes the cancelled checkpoint.
			return
		}
	}
}

func (g *Gateway) recordAssistantTurn(sessionID, content string) {
	if content == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.sessions.AddMessage(ctx, sessionID, session.Message{
		Role:      "assistant",
		Content:   content,
		Timestamp: time.Now(),
	}); err != nil {
		g.logger.Warn("Failed to record assistant turn", zap.Error(err))
	}
}

// HandleSSE implements GET /stream/sse?workflow_id=X: the raw engine event
// feed with Last-Event-ID replay.
func (g *Gateway) HandleSSE(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow_id")
	if workflowID == "" {
		http.Error(w, `{"error_kind":"validation","message":"workflow_id is required"}`, http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error_kind":"internal","message":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var since uint64
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if v, err := strconv.ParseUint(lastID, 10, 64); err == nil {
			since = v
		}
	}

	sub := g.streams.Subscribe(workflowID, 64)
	defer g.streams.Unsubscribe(workflowID, sub)

	writeEvent := func(evt streaming.Event) bool {
		fmt.Fprintf(w, "id: %d\ndata: %s\n\n", evt.Seq, evt.Marshal())
		flusher.Flush()
		return evt.Type != streaming.EventDone
	}

	for _, evt := range g.streams.ReplaySince(workflowID, since) {
		if !writeEvent(evt) {
			return
		}
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if !writeEvent(evt) {
				return
			}
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleWS mirrors the SSE event feed over a WebSocket.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow_id")
	if workflowID == "" {
		http.Error(w, `{"error_kind":"validation","message":"workflow_id is required"}`, http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := g.streams.Subscribe(workflowID, 64)
	defer g.streams.Unsubscribe(workflowID, sub)

	for _, evt := range g.streams.ReplaySince(workflowID, 0) {
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
		if evt.Type == streaming.EventDone {
			return
		}
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
			if evt.Type == streaming.EventDone {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func chatTitle(message string) string {
	line := message
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > 80 {
		line = line[:80]
	}
	if line == "" {
		line = "Chat request"
	}
	return line
}

func chatMetadata(req ChatRequest) models.Metadata {
	md := models.Metadata{}
	for k, v := range req.Metadata {
		md[k] = v
	}
	if len(req.ReferencedFiles) > 0 {
		md["referenced_files"] = req.ReferencedFiles
	}
	return md
}
