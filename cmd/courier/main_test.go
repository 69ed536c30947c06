package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/archive"
	"courier/internal/bus"
	"courier/internal/management"
)

func TestSampleEvents(t *testing.T) {
	entries := sampleEvents("ORD-1")
	require.Len(t, entries, 3)

	want := [][2]string{
		{"app.orders", "OrderCreated"},
		{"app.payments", "PaymentFailed"},
		{"app.shipping", "ShipmentCreated"},
	}
	for i, e := range entries {
		assert.Equal(t, want[i][0], e.Source)
		assert.Equal(t, want[i][1], e.Type)

		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal(e.Payload, &payload))
		assert.Equal(t, "ORD-1", payload["orderId"])
	}
}

func TestPublishSamplesCommand(t *testing.T) {
	var got management.PublishRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/buses/ecom-bus/events", r.URL.Path)
		assert.Equal(t, "courier-cli", r.Header.Get(management.ChangedByHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(bus.BatchPublishResult{Entries: []bus.BatchEntry{
			{EventID: "e-1"}, {EventID: "e-2"}, {EventID: "e-3"},
		}})
	}))
	defer srv.Close()

	apiURL = srv.URL
	defer func() { apiURL = "" }()

	cmd := publishSamplesCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	assert.Len(t, got.Entries, 3)
	assert.Contains(t, out.String(), "published OrderCreated from app.orders: e-1")
	assert.Contains(t, out.String(), "published ShipmentCreated from app.shipping: e-3")
}

func TestAPIClient_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"resource not found","error_code":"NOT_FOUND"}`))
	}))
	defer srv.Close()

	_, err := newAPIClient(srv.URL).Redrive(t.Context(), "q-missing", management.RedriveRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404 NOT_FOUND")
}

func TestReplayStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/replays/job-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(archive.ReplayJob{ID: "job-1", Bus: "ecom-bus", State: archive.JobCompleted, Replayed: 3})
	}))
	defer srv.Close()

	apiURL = srv.URL
	defer func() { apiURL = "" }()

	cmd := replayStatusCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"job-1", "--wait"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "job-1 completed: replayed 3 from ecom-bus\n", out.String())
}

func TestReplayCommand_RequiresWindowStart(t *testing.T) {
	cmd := replayCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	assert.ErrorContains(t, cmd.Execute(), "--from or --since")
}

func TestFinished(t *testing.T) {
	assert.True(t, finished(archive.JobCompleted))
	assert.True(t, finished(archive.JobCancelled))
	assert.False(t, finished(archive.JobRunning))
}

func TestSwaggerDocument(t *testing.T) {
	router := management.NewRouter(context.Background(), management.RouterConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var doc struct {
		Info struct {
			Title string `json:"title"`
		} `json:"info"`
		BasePath string                     `json:"basePath"`
		Paths    map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "Courier Operator API", doc.Info.Title)
	assert.Equal(t, "/api/v1", doc.BasePath)
	assert.Contains(t, doc.Paths, "/buses/{bus}/events")
	assert.Contains(t, doc.Paths, "/queues/{queue}/redrive")
}
