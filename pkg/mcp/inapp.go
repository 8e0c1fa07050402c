package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/entityflow/internal/notify"
	"github.com/rendis/entityflow/internal/streaming"
	"github.com/rendis/entityflow/pkg/schema"
)

// InAppMethod is the MCP notification method used for in-app messages.
const InAppMethod = "notifications/message"

// ClientNotifier pushes a notification to one MCP session.
// Satisfied by *server.MCPServer.
type ClientNotifier interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// InAppChannel delivers in_app messages. Every message is published on the
// event hub, which is the user's inbox; users with a live MCP session also
// get a push. The push is best-effort.
type InAppChannel struct {
	hub      streaming.EventHub
	notifier ClientNotifier
	sessions *SessionRegistry
	now      func() time.Time
}

// NewInAppChannel creates the in-app channel. notifier and sessions may be
// nil to disable pushes.
func NewInAppChannel(hub streaming.EventHub, notifier ClientNotifier, sessions *SessionRegistry) *InAppChannel {
	return &InAppChannel{
		hub:      hub,
		notifier: notifier,
		sessions: sessions,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *InAppChannel) Type() schema.ChannelType { return schema.ChannelInApp }

func (c *InAppChannel) Send(ctx context.Context, msg notify.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload := map[string]any{
		"job_id":      msg.JobID,
		"tenant_id":   msg.TenantID,
		"entity_type": msg.EntityType,
		"entity_id":   msg.EntityID,
		"recipient":   msg.Recipient,
		"subject":     msg.Subject,
		"body":        msg.Body,
	}

	if c.hub != nil {
		err := c.hub.Publish(ctx, streaming.StreamEvent{
			TenantID:   msg.TenantID,
			EntityType: msg.EntityType,
			EntityID:   msg.EntityID,
			EventType:  streaming.EventInAppNotification,
			Payload:    payload,
			At:         c.now(),
		})
		if err != nil {
			return schema.NewError(schema.ErrCodeDeliveryFailed, "publish in-app notification").WithCause(err)
		}
	}

	if c.notifier == nil || c.sessions == nil {
		return nil
	}
	sessionID, ok := c.sessions.SessionFor(msg.TenantID, msg.Recipient)
	if !ok {
		return nil
	}
	err := c.notifier.SendNotificationToSpecificClient(sessionID, InAppMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session ended between lookup and send.
		c.sessions.Remove(sessionID)
		return nil
	}
	if err != nil {
		return schema.NewError(schema.ErrCodeDeliveryFailed, "push in-app notification").WithCause(err)
	}
	return nil
}

var _ notify.Channel = (*InAppChannel)(nil)
