package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"courier/internal/constants"
	"courier/pkg/models"
)

// RedisJournal stores each queue as one hash: field is the message id,
// value the JSON encoded message.
type RedisJournal struct {
	client *redis.Client
	prefix string
}

func NewRedisJournal(client *redis.Client, prefix string) *RedisJournal {
	if prefix == "" {
		prefix = constants.DefaultJournalKeyPrefix
	}
	return &RedisJournal{client: client, prefix: prefix}
}

func (j *RedisJournal) key(queue string) string {
	return j.prefix + queue
}

func (j *RedisJournal) Put(ctx context.Context, queue string, m Message) error {
	data, err := models.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", m.ID, err)
	}
	if err := j.client.HSet(ctx, j.key(queue), m.ID, data).Err(); err != nil {
		return fmt.Errorf("redis HSet failed: %w", err)
	}
	return nil
}

func (j *RedisJournal) Delete(ctx context.Context, queue string, id string) error {
	if err := j.client.HDel(ctx, j.key(queue), id).Err(); err != nil {
		return fmt.Errorf("redis HDel failed: %w", err)
	}
	return nil
}

func (j *RedisJournal) Load(ctx context.Context, queue string) ([]Message, error) {
	fields, err := j.client.HGetAll(ctx, j.key(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGetAll failed: %w", err)
	}

	out := make([]Message, 0, len(fields))
	for id, raw := range fields {
		var m Message
		if err := models.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
		}
		out = append(out, m)
	}
	sortBySeq(out)
	return out, nil
}
