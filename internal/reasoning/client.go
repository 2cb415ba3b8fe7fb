package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/advisorvoice/internal/reliability"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const maxResponseBytes = 4 << 20

type Config struct {
	URL     string
	Timeout time.Duration
	// NotableEntity marks replies whose events mention it. Empty disables.
	NotableEntity string
	HTTPClient    *http.Client
}

// Event is an opaque side-channel signal from the reasoning service.
type Event struct {
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// ToolOutput reports whether the event is a tool invocation carrying output.
func (e Event) ToolOutput() bool {
	out := strings.TrimSpace(string(e.Output))
	return e.Type == "tool_call" && out != "" && out != "null"
}

type Reply struct {
	Text   string
	Chat   string
	Events []Event
	// Notable is set when an event mentions the configured entity.
	Notable bool
	// Degraded is set when the service signaled unavailability and the
	// utterance is echoed back as the reply.
	Degraded bool
}

type Client struct {
	cfg  Config
	http *http.Client
}

type wireMessage struct {
	Role  string   `json:"role"`
	Parts []string `json:"parts"`
}

type chatRequest struct {
	Conversation []wireMessage `json:"conversation"`
}

type chatResponse struct {
	Reply  string  `json:"reply"`
	Chat   string  `json:"chat,omitempty"`
	Events []Event `json:"events,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func NewClient(cfg Config) *Client {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
					return operation + " " + r.URL.Path
				}),
			),
		}
	}
	return &Client{cfg: cfg, http: client}
}

// Send appends the utterance to mem, posts the whole history and folds the
// reply and tool events back into mem.
func (c *Client) Send(ctx context.Context, mem *Memory, utterance string) (Reply, error) {
	ctx, span := tracer.Start(ctx, "reasoning send")
	defer span.End()

	mem.Append(ctx, Entry{Role: RoleUser, Content: utterance})
	span.SetAttributes(attribute.Int("reasoning.history_len", mem.Len()))

	reply, err := c.send(ctx, mem, utterance)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Reply{}, err
	}
	span.SetAttributes(
		attribute.Int("reasoning.events", len(reply.Events)),
		attribute.Bool("reasoning.degraded", reply.Degraded),
		attribute.Bool("reasoning.notable", reply.Notable),
	)
	return reply, nil
}

func (c *Client) send(ctx context.Context, mem *Memory, utterance string) (Reply, error) {
	entries := mem.Entries()
	payload := chatRequest{Conversation: make([]wireMessage, 0, len(entries))}
	for _, e := range entries {
		payload.Conversation = append(payload.Conversation, wireMessage{Role: wireRole(e.Role), Parts: []string{e.Content}})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Reply{}, &Error{Kind: KindFailed, Err: fmt.Errorf("marshal conversation: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Reply{}, &Error{Kind: KindFailed, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Reply{}, &Error{Kind: KindFailed, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Reply{}, &Error{Kind: KindFailed, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		if len(bytes.TrimSpace(raw)) > 0 {
			_ = json.Unmarshal(raw, &eb)
		}
		if resp.StatusCode == http.StatusServiceUnavailable && eb.Code == codeAgentUnavailable {
			logger.Info("reasoning service unavailable, echoing utterance", "status", resp.StatusCode)
			return Reply{Text: utterance, Degraded: true}, nil
		}
		msg := strings.TrimSpace(eb.Error)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		logger.Warn("reasoning request failed",
			"status", resp.StatusCode,
			"code", eb.Code,
			"retryable", reliability.IsRetryableHTTPStatus(resp.StatusCode),
		)
		return Reply{}, &Error{Kind: KindFailed, Status: resp.StatusCode, Code: eb.Code, Message: msg}
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Reply{}, &Error{Kind: KindFailed, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	// Tool pairs precede the reply so history keeps alternating roles.
	for _, ev := range out.Events {
		if !ev.ToolOutput() {
			continue
		}
		mem.Append(ctx, Entry{Role: RoleAssistant, Content: ev.Name, Synthetic: true})
		mem.Append(ctx, Entry{Role: RoleUser, Content: string(ev.Output), Synthetic: true})
	}
	mem.Append(ctx, Entry{Role: RoleAssistant, Content: out.Reply})

	return Reply{
		Text:    out.Reply,
		Chat:    out.Chat,
		Events:  out.Events,
		Notable: matchesEntity(out.Events, c.cfg.NotableEntity),
	}, nil
}

// wireRole maps history roles onto the service's conversation roles.
func wireRole(r Role) string {
	if r == RoleAssistant {
		return "model"
	}
	return string(r)
}

func matchesEntity(events []Event, entity string) bool {
	entity = strings.ToLower(strings.TrimSpace(entity))
	if entity == "" {
		return false
	}
	for _, ev := range events {
		for _, field := range []string{ev.Name, string(ev.Args), string(ev.Output)} {
			if strings.Contains(strings.ToLower(field), entity) {
				return true
			}
		}
	}
	return false
}
