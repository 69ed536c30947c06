//go:build integration

package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/testinfra"
)

func TestRedisJournal_RealRedis(t *testing.T) {
	ctx := context.Background()
	j := NewRedisJournal(testinfra.Redis(t), "courier:queue:")

	require.NoError(t, j.Put(ctx, "q-orders", Message{ID: "m2", Envelope: testEnvelope("e2", "cust-1"), Seq: 2}))
	require.NoError(t, j.Put(ctx, "q-orders", Message{ID: "m1", Envelope: testEnvelope("e1", ""), Seq: 1, ReceiveCount: 2}))

	msgs, err := j.Load(ctx, "q-orders")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, 2, msgs[0].ReceiveCount)
	assert.Equal(t, "cust-1", msgs[1].Envelope.PartitionKey)

	require.NoError(t, j.Delete(ctx, "q-orders", "m2"))
	msgs, err = j.Load(ctx, "q-orders")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
