//go:build integration

package management

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/routing"
	"courier/internal/testinfra"
	"courier/pkg/models"
)

func TestAuditLogger_RuleChanges(t *testing.T) {
	ctx := context.Background()
	audit := NewAuditLogger(testinfra.Postgres(t))

	rule := &routing.Rule{
		ID:      "orders-created",
		Bus:     "ecom-bus",
		Targets: []routing.Target{{Kind: routing.TargetQueue, Name: "q-orders"}},
		Enabled: true,
	}
	updated := *rule
	updated.Name = "Orders"

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, audit.LogRuleChange(ctx, AuditLogEntry{
		RuleID: rule.ID, Action: models.ActionCreate, NewValue: rule,
		ChangedBy: "ops@example.com", IPAddress: "10.0.0.1", Timestamp: at,
	}))
	require.NoError(t, audit.LogRuleChange(ctx, AuditLogEntry{
		RuleID: rule.ID, Action: models.ActionUpdate, OldValue: rule, NewValue: &updated,
		ChangedBy: "ops@example.com", Timestamp: at.Add(time.Minute),
	}))
	require.NoError(t, audit.LogRuleChange(ctx, AuditLogEntry{
		RuleID: "unrelated", Action: models.ActionDelete, ChangedBy: "ops@example.com",
	}))

	entries, err := audit.RuleChanges(ctx, rule.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, models.ActionUpdate, entries[0].Action)
	require.NotNil(t, entries[0].OldValue)
	assert.Equal(t, "Orders", entries[0].NewValue.Name)
	assert.Empty(t, entries[0].IPAddress)

	assert.Equal(t, models.ActionCreate, entries[1].Action)
	assert.Nil(t, entries[1].OldValue)
	assert.Equal(t, "10.0.0.1", entries[1].IPAddress)

	entries, err = audit.RuleChanges(ctx, rule.ID, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
