package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rendis/entityflow/internal/logging"
	"github.com/rendis/entityflow/pkg/schema"
)

// Message is one rendered notification handed to a channel.
type Message struct {
	JobID      string             `json:"job_id"`
	TenantID   string             `json:"tenant_id"`
	RuleID     string             `json:"rule_id,omitempty"`
	EntityType string             `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	EventID    string             `json:"event_id"`
	DedupeKey  string             `json:"dedupe_key"`
	Channel    schema.ChannelType `json:"channel"`
	Recipient  string             `json:"recipient"`
	Subject    string             `json:"subject,omitempty"`
	Body       string             `json:"body"`
}

// MessageFor builds the message of a dispatch job.
func MessageFor(job *schema.DispatchJob) Message {
	return Message{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		RuleID:     job.RuleID,
		EntityType: job.EntityType,
		EntityID:   job.EntityID,
		EventID:    job.EventID,
		DedupeKey:  job.DedupeKey,
		Channel:    job.Channel,
		Recipient:  job.Recipient,
		Subject:    job.Subject,
		Body:       job.Body,
	}
}

// Channel delivers messages of one channel type. Send must honor ctx.
type Channel interface {
	Type() schema.ChannelType
	Send(ctx context.Context, msg Message) error
}

// Channels is a registry of channel implementations.
type Channels struct {
	mu       sync.RWMutex
	channels map[schema.ChannelType]Channel
}

// NewChannels creates a registry holding chs.
func NewChannels(chs ...Channel) (*Channels, error) {
	c := &Channels{channels: make(map[schema.ChannelType]Channel)}
	for _, ch := range chs {
		if err := c.Register(ch); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a channel. Registering a type twice is an error.
func (c *Channels) Register(ch Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.channels[ch.Type()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "channel %q already registered", ch.Type())
	}
	c.channels[ch.Type()] = ch
	return nil
}

// Get returns the channel for t.
func (c *Channels) Get(t schema.ChannelType) (Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnregisteredHandler, "no channel registered for %q", t)
	}
	return ch, nil
}

// Types lists registered channel types, sorted.
func (c *Channels) Types() []schema.ChannelType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]schema.ChannelType, 0, len(c.channels))
	for t := range c.channels {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// LogChannel writes messages to a logger instead of a provider. It stands
// in for transports that live outside the engine.
type LogChannel struct {
	channel schema.ChannelType
	logger  *slog.Logger
}

// NewLogChannel creates a LogChannel for channel type t.
func NewLogChannel(t schema.ChannelType, logger *slog.Logger) *LogChannel {
	return &LogChannel{channel: t, logger: logging.OrDiscard(logger)}
}

func (c *LogChannel) Type() schema.ChannelType { return c.channel }

func (c *LogChannel) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "notification delivered",
		slog.String("channel", string(msg.Channel)),
		slog.String("recipient", msg.Recipient),
		slog.String("subject", msg.Subject),
		slog.String("entity_id", msg.EntityID),
		slog.Int("body_bytes", len(msg.Body)),
	)
	return nil
}

// SignatureHeader carries "sha256=<hex HMAC>" of the webhook body.
const SignatureHeader = "X-Entityflow-Signature"

// Signer computes HMAC signatures from tenant secrets. Satisfied by secrets.Vault.
type Signer interface {
	Sign(ctx context.Context, tenantID, key string, payload []byte) (string, error)
}

// WebhookChannelConfig configures WebhookChannel.
type WebhookChannelConfig struct {
	// SigningSecret names the tenant secret used to sign bodies. Empty disables signing.
	SigningSecret   string
	MaxResponseBody int64
	Transport       http.RoundTripper
}

// WebhookChannel POSTs messages as JSON to the URL held in the job's recipient.
type WebhookChannel struct {
	config WebhookChannelConfig
	client *http.Client
	signer Signer
}

// NewWebhookChannel creates a webhook channel. signer may be nil.
func NewWebhookChannel(cfg WebhookChannelConfig, signer Signer) *WebhookChannel {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = 64 << 10
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &WebhookChannel{config: cfg, client: &http.Client{Transport: transport}, signer: signer}
}

func (c *WebhookChannel) Type() schema.ChannelType { return schema.ChannelWebhook }

type webhookBody struct {
	Message
	SentAt time.Time `json:"sent_at"`
}

func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookBody{Message: msg, SentAt: time.Now().UTC()})
	if err != nil {
		return schema.NewError(schema.ErrCodeDeliveryFailed, "marshal webhook message").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Recipient, bytes.NewReader(body))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidDefinition, "webhook channel: invalid url %q", msg.Recipient).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.DedupeKey)
	if c.signer != nil && c.config.SigningSecret != "" {
		sig, err := c.signer.Sign(ctx, msg.TenantID, c.config.SigningSecret, body)
		if err != nil {
			return schema.NewError(schema.ErrCodeDeliveryFailed, "sign webhook body").WithCause(err)
		}
		req.Header.Set(SignatureHeader, "sha256="+sig)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return schema.NewErrorf(schema.ErrCodeTimeout, "webhook to %s timed out", req.URL.Host).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeDeliveryFailed, "webhook to %s failed", req.URL.Host).WithCause(err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return schema.NewErrorf(schema.ErrCodeDeliveryFailed, "webhook returned HTTP %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(snippet)})
	}
	return nil
}
