package consumer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"courier/internal/constants"
	"courier/internal/logger"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

// LogHandler writes every message to the log and succeeds.
func LogHandler(log logger.Logger) Handler {
	return func(ctx context.Context, d *Delivery) error {
		log.InfowCtx(ctx, "Message consumed",
			"source", d.Envelope.Source,
			"type", d.Envelope.Type,
			"partition_key", d.Envelope.PartitionKey,
			"receive_count", d.ReceiveCount,
			"payload_bytes", len(d.Envelope.Payload),
		)
		return nil
	}
}

type webhookRecord struct {
	MessageID    string          `json:"messageId"`
	ReceiveCount int             `json:"receiveCount"`
	Envelope     models.Envelope `json:"envelope"`
}

type webhookBatch struct {
	Consumer string          `json:"consumer"`
	Queue    string          `json:"queue"`
	Records  []webhookRecord `json:"records"`
}

type itemFailure struct {
	ItemIdentifier string `json:"itemIdentifier"`
}

type webhookResponse struct {
	ItemFailures      []itemFailure `json:"itemFailures"`
	BatchItemFailures []itemFailure `json:"batchItemFailures"`
}

// WebhookBatchHandler POSTs the batch as JSON. A 2xx response may list
// failed ids under itemFailures or batchItemFailures; any other status
// fails the whole batch.
func WebhookBatchHandler(name, queueName, url string, timeout time.Duration) BatchHandler {
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context, batch []*Delivery) (BatchResponse, error) {
		body := webhookBatch{Consumer: name, Queue: queueName, Records: make([]webhookRecord, 0, len(batch))}
		for _, d := range batch {
			body.Records = append(body.Records, webhookRecord{
				MessageID:    d.ID,
				ReceiveCount: d.ReceiveCount,
				Envelope:     d.Envelope,
			})
		}
		data, err := models.Marshal(body)
		if err != nil {
			return BatchResponse{}, fmt.Errorf("failed to encode batch: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return BatchResponse{}, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return BatchResponse{}, pkgerrors.ErrTransientDelivery.WithCause(err).WithDetail("url", url)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return BatchResponse{}, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
			return BatchResponse{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(raw))
		}

		var parsed webhookResponse
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := models.Unmarshal(raw, &parsed); err != nil {
				return BatchResponse{}, fmt.Errorf("failed to decode response: %w", err)
			}
		}

		var out BatchResponse
		for _, f := range append(parsed.ItemFailures, parsed.BatchItemFailures...) {
			out.ItemFailures = append(out.ItemFailures, f.ItemIdentifier)
		}
		return out, nil
	}
}

func truncate(b []byte) string {
	if len(b) > constants.DefaultTruncateLen {
		return string(b[:constants.DefaultTruncateLen]) + "..."
	}
	return string(b)
}
