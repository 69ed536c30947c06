package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/pkg/retry"
)

const minimalConfig = `
server:
  port: 9090
topology:
  buses:
    - name: ecom-bus
  queues:
    - name: q-orders
      max_receive_count: 3
      dead_letter_queue: q-orders-dlq
    - name: q-orders-dlq
  rules:
    - id: orders
      bus: ecom-bus
      clauses:
        - { field: source, kind: exact, value: app.orders }
      targets:
        - { kind: queue, name: q-orders }
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout())
	assert.Equal(t, JournalMemory, cfg.Delivery.Journal)
	assert.Equal(t, 30*time.Second, cfg.Delivery.DefaultVisibilityTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Delivery.IngressTimeout)
	assert.Equal(t, 5, cfg.Delivery.Retry.MaxAttempts)
	assert.Equal(t, RuleSourceConfig, cfg.Routing.Source)
	assert.True(t, cfg.Archive.Enabled)

	require.Len(t, cfg.Topology.Rules, 1)
	rule := cfg.Topology.Rules[0]
	assert.True(t, rule.IsEnabled())
	assert.Equal(t, ClauseExact, rule.Clauses[0].Kind)
	assert.Equal(t, TargetRefConfig{Kind: TargetQueue, Name: "q-orders"}, rule.Targets[0])
	assert.Equal(t, "q-orders-dlq", cfg.Topology.Queues[0].DeadLetterQueue)
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "courier.yaml"))
	require.NoError(t, err)

	assert.Len(t, cfg.Topology.Rules, 3)
	assert.Len(t, cfg.Topology.Topics, 2)
	assert.True(t, cfg.Topology.Queues[2].FIFO)
}

func TestLoad_RejectsInvalidTopology(t *testing.T) {
	_, err := Load(writeConfig(t, `
topology:
  buses:
    - name: ecom-bus
  rules:
    - id: orders
      bus: ecom-bus
      targets:
        - { kind: queue, name: missing }
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topology.rules[0].targets[0]")
}

func TestValidateTopology(t *testing.T) {
	base := func() TopologyConfig {
		return TopologyConfig{
			Buses: []BusConfig{{Name: "ecom-bus"}},
			Queues: []QueueConfig{
				{Name: "q-orders", MaxReceiveCount: 3, DeadLetterQueue: "q-dlq"},
				{Name: "q-dlq"},
			},
			Topics: []TopicConfig{{
				Name: "topic-orders",
				Subscriptions: []SubscriptionConfig{{
					ID:       "s1",
					Endpoint: TargetRefConfig{Kind: TargetQueue, Name: "q-orders"},
				}},
			}},
			Rules: []RuleConfig{{
				ID:      "r1",
				Bus:     "ecom-bus",
				Targets: []TargetRefConfig{{Kind: TargetTopic, Name: "topic-orders"}},
			}},
		}
	}

	tests := []struct {
		name      string
		mutate    func(*TopologyConfig)
		wantField string
	}{
		{
			name:   "valid",
			mutate: func(*TopologyConfig) {},
		},
		{
			name: "duplicate queue",
			mutate: func(tc *TopologyConfig) {
				tc.Queues = append(tc.Queues, QueueConfig{Name: "q-orders"})
			},
			wantField: "topology.queues[2].name",
		},
		{
			name: "unknown dead letter queue",
			mutate: func(tc *TopologyConfig) {
				tc.Queues[0].DeadLetterQueue = "nope"
			},
			wantField: "topology.queues[0].dead_letter_queue",
		},
		{
			name: "chained dead letter queue",
			mutate: func(tc *TopologyConfig) {
				tc.Queues = append(tc.Queues, QueueConfig{Name: "q-final"})
				tc.Queues[1].DeadLetterQueue = "q-final"
			},
			wantField: "topology.queues[0].dead_letter_queue",
		},
		{
			name: "rule on unknown bus",
			mutate: func(tc *TopologyConfig) {
				tc.Rules[0].Bus = "other-bus"
			},
			wantField: "topology.rules[0].bus",
		},
		{
			name: "unknown clause kind",
			mutate: func(tc *TopologyConfig) {
				tc.Rules[0].Clauses = []ClauseConfig{{Field: "type", Kind: "regex"}}
			},
			wantField: "topology.rules[0].clauses[0].kind",
		},
		{
			name: "one_of without values",
			mutate: func(tc *TopologyConfig) {
				tc.Rules[0].Clauses = []ClauseConfig{{Field: "type", Kind: ClauseOneOf}}
			},
			wantField: "topology.rules[0].clauses[0].values",
		},
		{
			name: "numeric with bad operator",
			mutate: func(tc *TopologyConfig) {
				tc.Rules[0].Clauses = []ClauseConfig{{Field: "value", Kind: ClauseNumeric, Op: "~"}}
			},
			wantField: "topology.rules[0].clauses[0].op",
		},
		{
			name: "subscription to topic",
			mutate: func(tc *TopologyConfig) {
				tc.Topics[0].Subscriptions[0].Endpoint = TargetRefConfig{Kind: TargetTopic, Name: "topic-orders"}
			},
			wantField: "topology.topics[0].subscriptions[0].endpoint",
		},
		{
			name: "external target kind mismatch",
			mutate: func(tc *TopologyConfig) {
				tc.Targets = []TargetConfig{{Name: "audit", Kind: TargetKafka, Topic: "audit"}}
				tc.Rules[0].Targets = append(tc.Rules[0].Targets, TargetRefConfig{Kind: TargetNATS, Name: "audit"})
			},
			wantField: "topology.rules[0].targets[1]",
		},
		{
			name: "consumer on unknown queue",
			mutate: func(tc *TopologyConfig) {
				tc.Consumers = []ConsumerConfig{{Name: "c1", Queue: "nope", Handler: HandlerLog}}
			},
			wantField: "topology.consumers[0].queue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topology := base()
			tt.mutate(&topology)
			err := ValidateTopology(topology)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantField)
		})
	}
}

func TestRetryConfig_Policy(t *testing.T) {
	def := retry.DefaultPolicy()
	assert.Equal(t, def, RetryConfig{}.Policy(def))

	p := RetryConfig{MaxAttempts: 4, InitialInterval: time.Second, MaxInterval: 10 * time.Second, Multiplier: 3}.Policy(def)
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 3*time.Second, p.Delay(2))
}
