package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/corvid-labs/axon/internal/streaming"
	"github.com/corvid-labs/axon/pkg/schema"
)

// Notifier watches the event hub for terminal events and pushes a
// notification to the session that started the run. Best-effort: a
// disconnected session or a dropped hub event means no notification,
// never a stalled run.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       streaming.EventHub
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewNotifier creates a notifier bound to an AxonServer's sessions.
func NewNotifier(s *AxonServer, hub streaming.EventHub, logger *slog.Logger) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		mcpServer: s.mcpServer,
		sessions:  s.sessions,
		hub:       hub,
		logger:    logger.With("component", "mcp_notifier"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start subscribes to terminal events and begins pushing notifications.
func (n *Notifier) Start() error {
	events, unsubscribe, err := n.hub.Subscribe(n.ctx, streaming.EventFilter{
		Kinds: []schema.EventKind{schema.EventComplete, schema.EventError, schema.EventCancelled},
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "subscribe to terminal events").WithCause(err)
	}

	go n.run(events, unsubscribe)
	return nil
}

// Stop ends the notification loop. Safe to call more than once.
func (n *Notifier) Stop() {
	n.once.Do(func() {
		n.cancel()
		<-n.done
	})
}

func (n *Notifier) run(events <-chan streaming.StreamEvent, unsubscribe func()) {
	defer close(n.done)
	defer unsubscribe()

	for {
		select {
		case <-n.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			n.notify(event)
		}
	}
}

func (n *Notifier) notify(event streaming.StreamEvent) {
	sessionID, ok := n.sessions.SessionFor(event.RunID)
	if !ok {
		return
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"run_id": event.RunID,
		"event":  string(event.Kind),
		"status": string(schema.StatusForTerminalEvent(event.Kind)),
	})
	switch {
	case errors.Is(err, server.ErrSessionNotFound):
		n.sessions.Remove(sessionID)
	case err != nil:
		n.logger.Warn("terminal notification failed", "run_id", event.RunID, "error", err)
	default:
		n.logger.Debug("notified session of terminal run", "run_id", event.RunID, "status", event.Kind)
	}
	n.sessions.Forget(event.RunID)
}
