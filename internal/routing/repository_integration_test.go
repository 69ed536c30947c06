//go:build integration

package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/testinfra"
	pkgerrors "courier/pkg/errors"
)

func TestPostgresRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresRepository(testinfra.Postgres(t))

	orders := &Rule{
		ID:  "orders-created",
		Bus: "ecom-bus",
		Clauses: []Clause{
			{Field: "source", Kind: ClauseExact, Value: "app.orders"},
			{Field: "payload.value", Kind: ClauseNumeric, Op: ">", Number: 100},
		},
		Targets: []Target{{Kind: TargetTopic, Name: "topic-orders"}, {Kind: TargetQueue, Name: "q-orders"}},
		Enabled: true,
	}
	alerts := &Rule{
		ID:      "payment-failed",
		Bus:     "ecom-bus",
		Targets: []Target{{Kind: TargetTopic, Name: "topic-alerts"}},
		Enabled: true,
	}
	disabled := &Rule{
		ID:      "shipments",
		Bus:     "ecom-bus",
		Targets: []Target{{Kind: TargetQueue, Name: "q-shipments"}},
	}

	for _, r := range []*Rule{orders, alerts, disabled} {
		require.NoError(t, repo.UpsertRule(ctx, r))
		assert.False(t, r.CreatedAt.IsZero())
	}

	got, err := repo.GetRule(ctx, "orders-created")
	require.NoError(t, err)
	assert.Equal(t, orders.Clauses, got.Clauses)
	assert.Equal(t, orders.Targets, got.Targets)

	active, err := repo.GetActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "orders-created", active[0].ID)
	assert.Equal(t, "payment-failed", active[1].ID)

	// Updating keeps the rule's position in the match order.
	orders.Name = "Orders"
	require.NoError(t, repo.UpsertRule(ctx, orders))
	active, err = repo.GetActiveRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Orders", active[0].Name)

	require.NoError(t, repo.DeleteRule(ctx, "payment-failed"))
	assert.True(t, pkgerrors.IsNotFound(repo.DeleteRule(ctx, "payment-failed")))

	_, err = repo.GetRule(ctx, "payment-failed")
	assert.True(t, pkgerrors.IsNotFound(err))
}
