// Package dispatch hands job ticket chunks to an external print transport.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/printledger/pkg/outbox"
)

const (
	defaultTimeout      = 30 * time.Second
	contentTypeJSON     = "application/json"
	headerContentType   = "Content-Type"
	headerIdempotency   = "Idempotency-Key"
	maxResponseBytes    = 1 << 20
	errorBodyPreviewLen = 256
)

// ErrInvalidWebhook is returned for a webhook without a usable endpoint.
var ErrInvalidWebhook = errors.New("dispatch: invalid webhook")

// Webhook posts every chunk as JSON to an endpoint that fronts the printers.
// The endpoint answers with {"accepted": bool, "job_id": string, "reason": string}.
// Any non-2xx status is a transport error.
type Webhook struct {
	client   *http.Client
	endpoint string
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(webhook *Webhook) {
		if client != nil {
			webhook.client = client
		}
	}
}

// NewWebhook returns a dispatcher posting to endpoint.
func NewWebhook(endpoint string, options ...WebhookOption) (*Webhook, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: endpoint %q", ErrInvalidWebhook, endpoint)
	}
	webhook := &Webhook{
		client:   &http.Client{Timeout: defaultTimeout},
		endpoint: parsed.String(),
	}
	for _, option := range options {
		option(webhook)
	}
	return webhook, nil
}

type pageRangePayload struct {
	Document    string `json:"document"`
	First       int    `json:"first"`
	Last        int    `json:"last"`
	Media       string `json:"media,omitempty"`
	MediaSource string `json:"media_source,omitempty"`
}

type chunkPayload struct {
	TicketNumber   string             `json:"ticket_number"`
	JobID          string             `json:"job_id"`
	UserID         string             `json:"user_id"`
	ArtifactHandle string             `json:"artifact_handle"`
	Printer        string             `json:"printer"`
	ChunkIndex     int                `json:"chunk_index"`
	Copies         int                `json:"copies"`
	PageCount      int                `json:"page_count"`
	Options        map[string]string  `json:"options"`
	Ranges         []pageRangePayload `json:"ranges"`
}

type resultPayload struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"job_id"`
	Reason   string `json:"reason"`
}

// Dispatch implements outbox.Dispatcher.
func (webhook *Webhook) Dispatch(ctx context.Context, job outbox.Job, chunk outbox.Chunk, printer outbox.Printer) (outbox.DispatchResult, error) {
	body, err := json.Marshal(newChunkPayload(job, chunk, printer))
	if err != nil {
		return outbox.DispatchResult{}, fmt.Errorf("dispatch: encode chunk: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.endpoint, bytes.NewReader(body))
	if err != nil {
		return outbox.DispatchResult{}, fmt.Errorf("dispatch: build request: %w", err)
	}
	request.Header.Set(headerContentType, contentTypeJSON)
	request.Header.Set(headerIdempotency, fmt.Sprintf("%s/%d/%d", job.TicketNumber, job.Attempts, chunk.Index))

	response, err := webhook.client.Do(request)
	if err != nil {
		return outbox.DispatchResult{}, fmt.Errorf("dispatch: post chunk %d: %w", chunk.Index, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return outbox.DispatchResult{}, fmt.Errorf("dispatch: read response: %w", err)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return outbox.DispatchResult{}, fmt.Errorf("dispatch: chunk %d: status %d: %s", chunk.Index, response.StatusCode, preview(raw))
	}
	var result resultPayload
	if err := json.Unmarshal(raw, &result); err != nil {
		return outbox.DispatchResult{}, fmt.Errorf("dispatch: decode response: %w", err)
	}
	if result.Accepted && strings.TrimSpace(result.JobID) == "" {
		return outbox.DispatchResult{}, fmt.Errorf("dispatch: chunk %d accepted without a job id", chunk.Index)
	}
	return outbox.DispatchResult{Accepted: result.Accepted, JobID: result.JobID, Reason: result.Reason}, nil
}

func newChunkPayload(job outbox.Job, chunk outbox.Chunk, printer outbox.Printer) chunkPayload {
	options := make(map[string]string, len(job.Options)+len(chunk.Options))
	for key, value := range job.Options {
		options[key] = value
	}
	for key, value := range chunk.Options {
		options[key] = value
	}
	ranges := make([]pageRangePayload, 0, len(chunk.Ranges))
	for _, chunkRange := range chunk.Ranges {
		ranges = append(ranges, pageRangePayload{
			Document:    chunkRange.DocumentRef,
			First:       chunkRange.First,
			Last:        chunkRange.Last,
			Media:       chunkRange.Media,
			MediaSource: chunkRange.MediaSource,
		})
	}
	return chunkPayload{
		TicketNumber:   job.TicketNumber,
		JobID:          job.ID,
		UserID:         job.UserID,
		ArtifactHandle: job.ArtifactHandle,
		Printer:        printer.Name,
		ChunkIndex:     chunk.Index,
		Copies:         job.Copies,
		PageCount:      chunk.PageCount,
		Options:        options,
		Ranges:         ranges,
	}
}

func preview(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if len(text) > errorBodyPreviewLen {
		return text[:errorBodyPreviewLen]
	}
	return text
}
