package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/entityflow/internal/expressions"
	"github.com/rendis/entityflow/pkg/schema"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Entityflow-Signature"

// Signer computes request signatures from tenant secrets. Satisfied by secrets.Vault.
type Signer interface {
	Sign(ctx context.Context, tenantID, key string, payload []byte) (string, error)
}

// WebhookConfig configures the webhook action.
type WebhookConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// SigningSecret names the tenant secret used for the signature header.
	// Empty disables signing.
	SigningSecret string
	// Transport overrides the cloned default transport (tests).
	Transport http.RoundTripper
}

const (
	defaultMaxResponseBody = 1 << 20
	defaultWebhookTimeout  = 10 * time.Second
)

// WebhookAction implements the "webhook" action.
type WebhookAction struct {
	config   WebhookConfig
	client   *http.Client
	renderer *expressions.Renderer
	signer   Signer
}

// NewWebhookAction creates a webhook action. renderer and signer may be nil.
func NewWebhookAction(cfg WebhookConfig, renderer *expressions.Renderer, signer Signer) *WebhookAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultWebhookTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &WebhookAction{
		config:   cfg,
		client:   &http.Client{Transport: transport},
		renderer: renderer,
		signer:   signer,
	}
}

func (a *WebhookAction) Type() schema.ActionType { return schema.ActionWebhook }

func validateURL(rawURL string) error {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return schema.NewErrorf(schema.ErrCodeInvalidDefinition, "webhook: invalid url %q", rawURL)
	}
	return nil
}

// webhookPayload is the JSON body posted to the webhook.
type webhookPayload struct {
	EventID    string         `json:"event_id,omitempty"`
	TenantID   string         `json:"tenant_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Phase      Phase          `json:"phase"`
	Transition map[string]any `json:"transition,omitempty"`
	Actor      map[string]any `json:"actor,omitempty"`
	Values     map[string]any `json:"values,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

func (a *WebhookAction) Execute(ctx context.Context, in Input) (*Output, error) {
	rawURL := in.Action.WebhookURL
	if a.renderer != nil && strings.Contains(rawURL, "{{") {
		rendered, err := a.renderer.Render(ctx, in.TenantID, rawURL, in.Data())
		if err != nil {
			return nil, err
		}
		rawURL = rendered
	}
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}

	method := strings.ToUpper(in.Action.WebhookMethod)
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "webhook: unsupported method %q", method)
	}

	timeout := a.config.DefaultTimeout
	if ts := in.Action.Timeout; ts != "" {
		if d, err := time.ParseDuration(ts); err == nil && d > 0 {
			timeout = d
		}
	}

	var body []byte
	if method == http.MethodPost {
		data := in.Data()
		payload := webhookPayload{
			EventID:    in.EventID,
			TenantID:   in.TenantID,
			EntityType: in.EntityType,
			EntityID:   in.EntityID,
			Phase:      in.Phase,
			Actor:      data["actor"].(map[string]any),
			Values:     in.Values,
			SentAt:     time.Now().UTC(),
		}
		if in.TransitionID != "" {
			payload.Transition = data["transition"].(map[string]any)
		}
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, schema.NewError(schema.ErrCodeActionFailed, "webhook: failed to marshal body").WithCause(err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "webhook: failed to create request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "entityflow-webhook")

	if a.signer != nil && a.config.SigningSecret != "" {
		sig, err := a.signer.Sign(ctx, in.TenantID, a.config.SigningSecret, body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeActionFailed, "webhook: signing failed").WithCause(err)
		}
		req.Header.Set(SignatureHeader, "sha256="+sig)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "webhook: no response within %s", timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "webhook: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "webhook: failed to read response body").WithCause(err)
	}

	var parsed any
	if len(respBytes) > 0 {
		if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
			if err := json.Unmarshal(respBytes, &parsed); err != nil {
				parsed = string(respBytes)
			}
		} else {
			parsed = string(respBytes)
		}
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        parsed,
		"duration_ms": durationMs,
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "webhook: server returned %d", resp.StatusCode).
			WithDetails(result)
	}
	return &Output{Data: result}, nil
}
