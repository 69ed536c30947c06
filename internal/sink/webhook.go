package sink

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/spf13/cast"

	"courier/internal/config"
	"courier/internal/constants"
	"courier/pkg/circuitbreaker"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

type WebhookConfig struct {
	Name    string
	URL     string
	Headers map[string]string
	Timeout time.Duration
	Client  *http.Client
	Breaker *circuitbreaker.Wrapper
}

// WebhookSink posts each envelope as a binary-mode CloudEvent. 2xx is an
// ack; 4xx other than 408 and 429 is permanent; anything else is
// transient.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
}

func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = constants.DefaultHTTPTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &WebhookSink{cfg: cfg, client: client}
}

// WebhookBreaker returns a breaker for a webhook target. Permanent
// rejections come from a healthy endpoint and do not count as failures.
func WebhookBreaker(name string, cfg config.CircuitBreakerConfig) *circuitbreaker.Wrapper {
	return circuitbreaker.FromConfigWithClassifier("webhook:"+name, cfg, func(err error) bool {
		return err == nil || pkgerrors.IsPermanent(err)
	})
}

func (w *WebhookSink) Accept(ctx context.Context, env models.Envelope) error {
	event, err := ToCloudEvent(env)
	if err != nil {
		return pkgerrors.ErrPermanentDelivery.WithCause(err).WithMessage("envelope is not a valid CloudEvent")
	}

	err = w.cfg.Breaker.Do(ctx, func() error {
		return w.send(ctx, event)
	})
	if err != nil && circuitbreaker.IsRejection(err) {
		return pkgerrors.ErrTransientDelivery.WithCause(err).WithDetail("target", w.cfg.Name)
	}
	return err
}

func (w *WebhookSink) send(ctx context.Context, event cloudevents.Event) error {
	req, err := cehttp.NewHTTPRequestFromEvent(ctx, w.cfg.URL, event)
	if err != nil {
		return pkgerrors.ErrPermanentDelivery.WithCause(err).WithDetail("url", w.cfg.URL)
	}
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return pkgerrors.ErrTransientDelivery.WithCause(err).WithDetail("url", w.cfg.URL)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return ClassifyStatus(resp.StatusCode, w.cfg.URL)
}

// ClassifyStatus maps an HTTP response status to the delivery taxonomy.
func ClassifyStatus(status int, url string) error {
	if status >= constants.HTTPStatusOKMin && status < constants.HTTPStatusOKMax {
		return nil
	}
	cause := fmt.Errorf("HTTP %d from %s", status, url)
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return pkgerrors.ErrPermanentDelivery.WithCause(cause).WithDetail("status", status)
	}
	return pkgerrors.ErrTransientDelivery.WithCause(cause).WithDetail("status", status)
}

// ToCloudEvent maps an envelope onto a CloudEvent. Attributes whose names
// are valid extension names travel as extensions.
func ToCloudEvent(env models.Envelope) (cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	event.SetID(env.ID)
	event.SetSource(env.Source)
	event.SetType(env.Type)
	event.SetTime(env.Timestamp)
	if env.Bus != "" {
		event.SetExtension("bus", env.Bus)
	}
	if env.PartitionKey != "" {
		event.SetExtension("partitionkey", env.PartitionKey)
	}
	if env.ReplayOf != "" {
		event.SetExtension("replayof", env.ReplayOf)
	}
	for name, value := range env.Attributes {
		ext := extensionName(name)
		if ext == "" {
			continue
		}
		event.SetExtension(ext, cast.ToString(value))
	}
	if len(env.Payload) > 0 {
		if err := event.SetData(cloudevents.ApplicationJSON, []byte(env.Payload)); err != nil {
			return event, err
		}
	}
	return event, event.Validate()
}

func extensionName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 20 {
		out = out[:20]
	}
	switch out {
	case "", "id", "source", "type", "time", "subject", "specversion", "datacontenttype", "dataschema", "data",
		"bus", "partitionkey", "replayof":
		return ""
	}
	return out
}
