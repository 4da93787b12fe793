package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/printledger/pkg/outbox"
)

func sampleTicket() (outbox.Job, outbox.Chunk, outbox.Printer) {
	job := outbox.Job{
		ID:             "job-1",
		UserID:         "alice",
		TicketNumber:   "20261017-0001",
		ArtifactHandle: "spool/job-1.pdf",
		Copies:         2,
		Attempts:       1,
		Options:        map[string]string{outbox.OptionMedia: "a4", "sides": "one-sided"},
	}
	chunk := outbox.Chunk{
		Index:     1,
		Options:   map[string]string{outbox.OptionMedia: "a3"},
		PageCount: 3,
		Cost:      decimal.RequireFromString("0.3"),
		Ranges: []outbox.ChunkRange{
			{DocumentRef: "doc-a", PageRange: outbox.PageRange{First: 2, Last: 4, Media: "a3"}},
		},
	}
	return job, chunk, outbox.Printer{Name: "lobby-1", Enabled: true}
}

func TestWebhookDispatchPostsChunk(test *testing.T) {
	test.Parallel()
	var received chunkPayload
	var idempotencyKey string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		idempotencyKey = request.Header.Get(headerIdempotency)
		if err := json.NewDecoder(request.Body).Decode(&received); err != nil {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		writer.Header().Set(headerContentType, contentTypeJSON)
		_, _ = writer.Write([]byte(`{"accepted":true,"job_id":"ipp-42"}`))
	}))
	test.Cleanup(server.Close)

	webhook, err := NewWebhook(server.URL, WithHTTPClient(server.Client()))
	require.NoError(test, err)

	job, chunk, printer := sampleTicket()
	result, err := webhook.Dispatch(context.Background(), job, chunk, printer)
	require.NoError(test, err)
	require.Equal(test, outbox.DispatchResult{Accepted: true, JobID: "ipp-42"}, result)

	require.Equal(test, "20261017-0001/1/1", idempotencyKey)
	require.Equal(test, "lobby-1", received.Printer)
	require.Equal(test, 1, received.ChunkIndex)
	require.Equal(test, 3, received.PageCount)
	require.Equal(test, "a3", received.Options[outbox.OptionMedia])
	require.Equal(test, "one-sided", received.Options["sides"])
	require.Equal(test, []pageRangePayload{{Document: "doc-a", First: 2, Last: 4, Media: "a3"}}, received.Ranges)
}

func TestWebhookDispatchRejection(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		_, _ = writer.Write([]byte(`{"accepted":false,"reason":"paper jam"}`))
	}))
	test.Cleanup(server.Close)

	webhook, err := NewWebhook(server.URL)
	require.NoError(test, err)
	job, chunk, printer := sampleTicket()
	result, err := webhook.Dispatch(context.Background(), job, chunk, printer)
	require.NoError(test, err)
	require.False(test, result.Accepted)
	require.Equal(test, "paper jam", result.Reason)
}

func TestWebhookDispatchTransportErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		status  int
		payload string
	}{
		{name: "server error", status: http.StatusBadGateway, payload: "upstream down"},
		{name: "malformed body", status: http.StatusOK, payload: "not json"},
		{name: "accepted without id", status: http.StatusOK, payload: `{"accepted":true}`},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(testCase.payload))
			}))
			test.Cleanup(server.Close)

			webhook, err := NewWebhook(server.URL)
			require.NoError(test, err)
			job, chunk, printer := sampleTicket()
			_, err = webhook.Dispatch(context.Background(), job, chunk, printer)
			require.Error(test, err)
		})
	}
}

func TestWebhookDispatchHonorsCancellation(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		_, _ = writer.Write([]byte(`{"accepted":true,"job_id":"late"}`))
	}))
	test.Cleanup(server.Close)

	webhook, err := NewWebhook(server.URL)
	require.NoError(test, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job, chunk, printer := sampleTicket()
	_, err = webhook.Dispatch(ctx, job, chunk, printer)
	require.True(test, errors.Is(err, context.Canceled), "got %v", err)
}

func TestNewWebhookRejectsBadEndpoints(test *testing.T) {
	test.Parallel()
	for _, endpoint := range []string{"", "ftp://printers", "http://", "://bad"} {
		_, err := NewWebhook(endpoint)
		require.ErrorIs(test, err, ErrInvalidWebhook, endpoint)
	}
}
