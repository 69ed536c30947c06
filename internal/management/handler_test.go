package management

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/archive"
	"courier/internal/bus"
	"courier/internal/config"
	"courier/internal/engine"
	"courier/internal/logger"
	"courier/internal/queue"
	"courier/internal/routing"
	"courier/internal/topic"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memoryWriter struct {
	mu    sync.Mutex
	rules map[string]routing.Rule
}

func newMemoryWriter() *memoryWriter {
	return &memoryWriter{rules: make(map[string]routing.Rule)}
}

func (w *memoryWriter) GetRule(ctx context.Context, id string) (*routing.Rule, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rule, ok := w.rules[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound.WithDetail("rule_id", id)
	}
	return &rule, nil
}

func (w *memoryWriter) UpsertRule(ctx context.Context, rule *routing.Rule) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	w.rules[rule.ID] = *rule
	return nil
}

func (w *memoryWriter) DeleteRule(ctx context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.rules[id]; !ok {
		return pkgerrors.ErrNotFound.WithDetail("rule_id", id)
	}
	delete(w.rules, id)
	return nil
}

// writableEngine lets the API believe rules live in a database.
type writableEngine struct {
	*engine.Engine
	writer routing.Writer
}

func (e writableEngine) RuleWriter() (routing.Writer, bool) {
	return e.writer, e.writer != nil
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []AuditLogEntry
}

func (a *memoryAudit) LogRuleChange(ctx context.Context, entry AuditLogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry.Timestamp = time.Now()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *memoryAudit) RuleChanges(ctx context.Context, ruleID string, limit int) ([]AuditLogEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditLogEntry
	for i := len(a.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if a.entries[i].RuleID == ruleID {
			out = append(out, a.entries[i])
		}
	}
	return out, nil
}

type recordingProducer struct {
	mu     sync.Mutex
	topics []string
	events []models.Envelope
}

func (p *recordingProducer) Publish(ctx context.Context, topic string, env models.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, env)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, env := range p.events {
		out[i], _ = env.Attributes["action"].(string)
	}
	return out
}

func apiConfig() *config.Config {
	return &config.Config{
		Delivery: config.DeliveryConfig{
			DefaultVisibilityTimeout: time.Second,
			DefaultMaxReceiveCount:   5,
			ReaperInterval:           10 * time.Millisecond,
			Retry: config.RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 5 * time.Millisecond,
				MaxInterval:     10 * time.Millisecond,
				Multiplier:      2,
			},
		},
		Archive: config.ArchiveConfig{Enabled: true, Store: config.StoreMemory},
		Topology: config.TopologyConfig{
			Buses: []config.BusConfig{{Name: "ecom-bus"}},
			Queues: []config.QueueConfig{
				{Name: "q-orders", MaxReceiveCount: 3, DeadLetterQueue: "q-orders-dlq"},
				{Name: "q-orders-dlq"},
				{Name: "q-analytics"},
			},
			Topics: []config.TopicConfig{{
				Name: "topic-orders",
				Subscriptions: []config.SubscriptionConfig{
					{ID: "orders-to-analytics", Endpoint: config.TargetRefConfig{Kind: config.TargetQueue, Name: "q-analytics"}},
				},
			}},
			Rules: []config.RuleConfig{
				{
					ID:  "orders-created",
					Bus: "ecom-bus",
					Clauses: []config.ClauseConfig{
						{Field: "source", Kind: config.ClauseExact, Value: "app.orders"},
						{Field: "type", Kind: config.ClauseExact, Value: "OrderCreated"},
					},
					Targets: []config.TargetRefConfig{
						{Kind: config.TargetTopic, Name: "topic-orders"},
						{Kind: config.TargetQueue, Name: "q-orders"},
					},
				},
				{
					ID:  "poison",
					Bus: "ecom-bus",
					Clauses: []config.ClauseConfig{
						{Field: "source", Kind: config.ClauseExact, Value: "app.poison"},
					},
					Targets: []config.TargetRefConfig{{Kind: config.TargetQueue, Name: "q-orders-dlq"}},
				},
			},
		},
	}
}

type apiFixture struct {
	engine   *engine.Engine
	router   *gin.Engine
	writer   *memoryWriter
	audit    *memoryAudit
	producer *recordingProducer
}

func newFixture(t *testing.T, writable bool) *apiFixture {
	t.Helper()
	e, err := engine.New(context.Background(), apiConfig(), engine.Dependencies{}, logger.NopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	f := &apiFixture{engine: e, audit: &memoryAudit{}, producer: &recordingProducer{}}
	api := writableEngine{Engine: e}
	if writable {
		f.writer = newMemoryWriter()
		api.writer = f.writer
	}

	svc := NewService(api,
		WithAudit(f.audit),
		WithConfigEvents(NewConfigEventProducer(f.producer, "courier.config")),
	)
	f.router = NewRouter(ctx, RouterConfig{Service: svc})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ChangedByHeader, "ops@example.com")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func orderEntry(id string) PublishEntry {
	return PublishEntry{
		Source:     "app.orders",
		Type:       "OrderCreated",
		Attributes: map[string]interface{}{"order_id": id},
		Payload:    json.RawMessage(`{"orderId":"` + id + `"}`),
	}
}

func TestAPI_PublishBatch(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodPost, "/api/v1/buses/ecom-bus/events", PublishRequest{Entries: []PublishEntry{
		orderEntry("o-1"),
		{Type: "OrderCreated"},
		orderEntry("o-2"),
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decode[bus.BatchPublishResult](t, w)
	assert.Equal(t, 1, res.FailedEntryCount)
	require.Len(t, res.Entries, 3)
	assert.NotEmpty(t, res.Entries[0].EventID)
	assert.Empty(t, res.Entries[1].EventID)
	assert.Equal(t, "VALIDATION_ERROR", res.Entries[1].ErrorCode)
	assert.NotEmpty(t, res.Entries[2].EventID)

	require.Eventually(t, func() bool {
		stats, err := f.engine.QueueStat("q-orders")
		return err == nil && stats.Total == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAPI_PublishRejectedRequests(t *testing.T) {
	f := newFixture(t, false)

	tooMany := make([]PublishEntry, 11)
	for i := range tooMany {
		tooMany[i] = orderEntry("o")
	}

	tests := []struct {
		name       string
		path       string
		body       interface{}
		wantStatus int
	}{
		{name: "no entries", path: "/api/v1/buses/ecom-bus/events", body: PublishRequest{}, wantStatus: http.StatusBadRequest},
		{name: "more than ten entries", path: "/api/v1/buses/ecom-bus/events", body: PublishRequest{Entries: tooMany}, wantStatus: http.StatusBadRequest},
		{name: "unknown bus", path: "/api/v1/buses/nope/events", body: PublishRequest{Entries: []PublishEntry{orderEntry("o")}}, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			resp := decode[pkgerrors.ErrorResponse](t, w)
			assert.NotEmpty(t, resp.ErrorCode)
		})
	}
}

func TestAPI_ListBusesAndRules(t *testing.T) {
	f := newFixture(t, false)

	buses := decode[[]engine.BusInfo](t, f.do(t, http.MethodGet, "/api/v1/buses", nil))
	require.Len(t, buses, 1)
	assert.Equal(t, "ecom-bus", buses[0].Name)

	w := f.do(t, http.MethodGet, "/api/v1/rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	set := decode[RuleSetResponse](t, w)
	assert.NotZero(t, set.Version)
	require.Len(t, set.Rules, 2)
	assert.Equal(t, "orders-created", set.Rules[0].ID)

	w = f.do(t, http.MethodGet, "/api/v1/rules/orders-created", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ecom-bus", decode[routing.Rule](t, w).Bus)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/rules/missing", nil).Code)
}

func TestAPI_RuleWritesNeedDatabaseSource(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodPost, "/api/v1/rules", RuleRequest{
		Bus:     "ecom-bus",
		Targets: []routing.Target{{Kind: routing.TargetQueue, Name: "q-orders"}},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decode[pkgerrors.ErrorResponse](t, w).Error, "config file")

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodDelete, "/api/v1/rules/orders-created", nil).Code)
}

func TestAPI_RuleLifecycle(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodPost, "/api/v1/rules", RuleRequest{
		ID:  "big-orders",
		Bus: "ecom-bus",
		Clauses: []routing.Clause{
			{Field: "source", Kind: routing.ClauseExact, Value: "app.orders"},
			{Field: "payload.amount", Kind: routing.ClauseNumeric, Op: ">=", Number: 100},
		},
		Targets: []routing.Target{{Kind: routing.TargetQueue, Name: "q-analytics"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[routing.Rule](t, w)
	assert.Equal(t, "big-orders", created.ID)
	assert.Equal(t, "big-orders", created.Name)
	assert.True(t, created.Enabled)

	w = f.do(t, http.MethodPost, "/api/v1/rules", RuleRequest{
		ID:      "big-orders",
		Bus:     "ecom-bus",
		Targets: []routing.Target{{Kind: routing.TargetQueue, Name: "q-analytics"}},
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	disabled := false
	w = f.do(t, http.MethodPut, "/api/v1/rules/big-orders", RuleRequest{
		Bus:     "ecom-bus",
		Name:    "Big orders",
		Targets: []routing.Target{{Kind: routing.TargetTopic, Name: "topic-orders"}},
		Enabled: &disabled,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[routing.Rule](t, w)
	assert.Equal(t, "Big orders", updated.Name)
	assert.False(t, updated.Enabled)
	assert.Equal(t, created.CreatedAt.Unix(), updated.CreatedAt.Unix())

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/v1/rules/big-orders", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/rules/big-orders", nil).Code)

	w = f.do(t, http.MethodGet, "/api/v1/rules/big-orders/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	logs := decode[[]AuditLogEntry](t, w)
	require.Len(t, logs, 3)
	assert.Equal(t, models.ActionDelete, logs[0].Action)
	assert.Equal(t, models.ActionUpdate, logs[1].Action)
	assert.Equal(t, models.ActionCreate, logs[2].Action)
	assert.Equal(t, "ops@example.com", logs[0].ChangedBy)
	assert.Nil(t, logs[2].OldValue)
	require.NotNil(t, logs[1].OldValue)
	assert.True(t, logs[1].OldValue.Enabled)

	assert.Equal(t, []string{models.ActionCreate, models.ActionUpdate, models.ActionDelete}, f.producer.actions())
	assert.Equal(t, "courier.config", f.producer.topics[0])
	assert.Equal(t, models.ConfigEventSource, f.producer.events[0].Source)
}

func TestAPI_RuleValidation(t *testing.T) {
	f := newFixture(t, true)

	queueTarget := []routing.Target{{Kind: routing.TargetQueue, Name: "q-orders"}}

	tests := []struct {
		name    string
		req     RuleRequest
		wantMsg string
	}{
		{
			name:    "missing targets",
			req:     RuleRequest{Bus: "ecom-bus"},
			wantMsg: "",
		},
		{
			name:    "unknown target kind",
			req:     RuleRequest{Bus: "ecom-bus", Targets: []routing.Target{{Kind: "lambda", Name: "fn"}}},
			wantMsg: "invalid targets[0].kind",
		},
		{
			name:    "unknown bus",
			req:     RuleRequest{Bus: "billing-bus", Targets: queueTarget},
			wantMsg: "unknown bus billing-bus",
		},
		{
			name:    "unknown queue",
			req:     RuleRequest{Bus: "ecom-bus", Targets: []routing.Target{{Kind: routing.TargetQueue, Name: "q-missing"}}},
			wantMsg: "unknown target",
		},
		{
			name: "unknown clause kind",
			req: RuleRequest{
				Bus:     "ecom-bus",
				Clauses: []routing.Clause{{Field: "source", Kind: "regex", Value: ".*"}},
				Targets: queueTarget,
			},
			wantMsg: "invalid clauses",
		},
		{
			name: "expression does not compile",
			req: RuleRequest{
				Bus:     "ecom-bus",
				Clauses: []routing.Clause{{Kind: routing.ClauseExpression, Expression: "event.source =="}},
				Targets: queueTarget,
			},
			wantMsg: "invalid clauses",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/rules", tt.req)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			resp := decode[pkgerrors.ErrorResponse](t, w)
			assert.Equal(t, "VALIDATION_ERROR", resp.ErrorCode)
			if tt.wantMsg != "" {
				assert.Contains(t, resp.Error, tt.wantMsg)
			}
		})
	}

	w := f.do(t, http.MethodPut, "/api/v1/rules/a", RuleRequest{ID: "b", Bus: "ecom-bus", Targets: queueTarget})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, f.producer.actions())
}

func TestAPI_ReloadRules(t *testing.T) {
	f := newFixture(t, false)

	before := f.engine.Rules().Snapshot().Version()
	w := f.do(t, http.MethodPost, "/api/v1/rules/reload", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[ReloadResponse](t, w)
	assert.Greater(t, resp.Version, before)
	assert.Equal(t, 2, resp.ActiveRules)
	assert.Equal(t, []string{models.ActionReload}, f.producer.actions())
}

func TestAPI_QueuesAndRedrive(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodPost, "/api/v1/buses/ecom-bus/events", PublishRequest{Entries: []PublishEntry{
		{Source: "app.poison", Type: "Broken"},
		{Source: "app.poison", Type: "Broken"},
	}})
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		stats, err := f.engine.QueueStat("q-orders-dlq")
		return err == nil && stats.Total == 2
	}, 2*time.Second, 5*time.Millisecond)

	queues := decode[[]queue.Stats](t, f.do(t, http.MethodGet, "/api/v1/queues", nil))
	names := make([]string, len(queues))
	for i, q := range queues {
		names[i] = q.Name
	}
	assert.True(t, sort.StringsAreSorted(names))
	assert.Equal(t, []string{"q-analytics", "q-orders", "q-orders-dlq"}, names)

	stats := decode[queue.Stats](t, f.do(t, http.MethodGet, "/api/v1/queues/q-orders", nil))
	assert.Equal(t, "q-orders-dlq", stats.DeadLetterQueue)
	assert.Equal(t, 3, stats.MaxReceiveCount)

	msgs := decode[[]queue.Message](t, f.do(t, http.MethodGet, "/api/v1/queues/q-orders-dlq/messages?limit=1", nil))
	require.Len(t, msgs, 1)
	assert.Equal(t, "app.poison", msgs[0].Envelope.Source)

	w = f.do(t, http.MethodPost, "/api/v1/queues/q-orders-dlq/redrive", RedriveRequest{
		Target:     "q-orders",
		MessageIDs: []string{msgs[0].ID},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, RedriveResponse{Queue: "q-orders-dlq", Moved: 1}, decode[RedriveResponse](t, w))

	w = f.do(t, http.MethodPost, "/api/v1/queues/q-orders-dlq/redrive", RedriveRequest{Target: "q-orders"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[RedriveResponse](t, w).Moved)

	stats = decode[queue.Stats](t, f.do(t, http.MethodGet, "/api/v1/queues/q-orders", nil))
	assert.Equal(t, 2, stats.Total)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/queues/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodPost, "/api/v1/queues/q-orders-dlq/redrive", RedriveRequest{Target: "nope"}).Code)
}

func TestAPI_SubscriptionState(t *testing.T) {
	f := newFixture(t, false)

	subs := decode[[]topic.SubscriptionInfo](t, f.do(t, http.MethodGet, "/api/v1/topics/topic-orders/subscriptions", nil))
	require.Len(t, subs, 1)
	assert.True(t, subs[0].Active)

	inactive := false
	w := f.do(t, http.MethodPut, "/api/v1/topics/topic-orders/subscriptions/orders-to-analytics/state",
		SubscriptionStateRequest{Active: &inactive})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	subs = decode[[]topic.SubscriptionInfo](t, f.do(t, http.MethodGet, "/api/v1/topics/topic-orders/subscriptions", nil))
	assert.False(t, subs[0].Active)

	w = f.do(t, http.MethodPost, "/api/v1/buses/ecom-bus/events", PublishRequest{Entries: []PublishEntry{orderEntry("o-1")}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Eventually(t, func() bool {
		stats, err := f.engine.QueueStat("q-orders")
		return err == nil && stats.Total == 1
	}, 2*time.Second, 5*time.Millisecond)
	stats, err := f.engine.QueueStat("q-analytics")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)

	tests := []struct {
		name       string
		path       string
		body       interface{}
		wantStatus int
	}{
		{name: "missing active flag", path: "/api/v1/topics/topic-orders/subscriptions/orders-to-analytics/state", body: map[string]string{}, wantStatus: http.StatusBadRequest},
		{name: "unknown topic", path: "/api/v1/topics/nope/subscriptions/orders-to-analytics/state", body: SubscriptionStateRequest{Active: &inactive}, wantStatus: http.StatusNotFound},
		{name: "unknown subscription", path: "/api/v1/topics/topic-orders/subscriptions/nope/state", body: SubscriptionStateRequest{Active: &inactive}, wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, f.do(t, http.MethodPut, tt.path, tt.body).Code)
		})
	}
}

func TestAPI_Replay(t *testing.T) {
	f := newFixture(t, false)
	from := time.Now().Add(-time.Minute)

	w := f.do(t, http.MethodPost, "/api/v1/buses/ecom-bus/events", PublishRequest{Entries: []PublishEntry{
		orderEntry("o-1"), orderEntry("o-2"),
	}})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, f.engine.FlushArchive(context.Background()))

	w = f.do(t, http.MethodPost, "/api/v1/replays", ReplayRequest{Bus: "ecom-bus", From: from})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := decode[ReplayResponse](t, w).ID
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		w := f.do(t, http.MethodGet, "/api/v1/replays/"+id, nil)
		return w.Code == http.StatusOK && decode[archive.ReplayJob](t, w).State == archive.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	job := decode[archive.ReplayJob](t, f.do(t, http.MethodGet, "/api/v1/replays/"+id, nil))
	assert.Equal(t, int64(2), job.Replayed)

	jobs := decode[[]archive.ReplayJob](t, f.do(t, http.MethodGet, "/api/v1/replays", nil))
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)

	tests := []struct {
		name       string
		req        interface{}
		wantStatus int
	}{
		{name: "missing from", req: ReplayRequest{Bus: "ecom-bus"}, wantStatus: http.StatusBadRequest},
		{name: "missing bus", req: ReplayRequest{From: from}, wantStatus: http.StatusBadRequest},
		{name: "from after to", req: ReplayRequest{Bus: "ecom-bus", From: from, To: from.Add(-time.Second)}, wantStatus: http.StatusBadRequest},
		{name: "unknown target bus", req: ReplayRequest{Bus: "ecom-bus", From: from, TargetBus: "nope"}, wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, f.do(t, http.MethodPost, "/api/v1/replays", tt.req).Code)
		})
	}

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/replays/missing", nil).Code)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	f := newFixture(t, false)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", nil).Code)

	w := f.do(t, http.MethodGet, "/api/v1/buses", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestGetChangedBy(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "system", getChangedBy(ctx))
	assert.Empty(t, getClientIP(ctx))

	ctx = withActor(ctx, "alice", "10.0.0.1")
	assert.Equal(t, "alice", getChangedBy(ctx))
	assert.Equal(t, "10.0.0.1", getClientIP(ctx))
}
