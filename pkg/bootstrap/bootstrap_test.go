package bootstrap

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/config"
	"courier/internal/logger"
	"courier/pkg/models"
)

func TestConnectAll_NothingConfigured(t *testing.T) {
	dc := NewDatabaseConnector(&config.Config{}, logger.NopLogger())

	conns, err := dc.ConnectAll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, conns.Postgres)
	assert.Nil(t, conns.Redis)
	assert.Nil(t, conns.Mongo)
	assert.Nil(t, conns.NATS)
	assert.NoError(t, dc.Shutdown(context.Background(), conns))
}

func TestConnectAll_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Database.Redis = config.RedisConfig{Host: host, Port: port}
	dc := NewDatabaseConnector(cfg, logger.NopLogger())

	conns, err := dc.ConnectAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conns.Redis)
	require.NoError(t, conns.Redis.Set(context.Background(), "k", "v", 0).Err())
	assert.NoError(t, dc.Shutdown(context.Background(), conns))
}

func TestConnectAll_RedisUnreachable(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.Redis = config.RedisConfig{Host: "127.0.0.1", Port: 1}

	_, err := NewDatabaseConnector(cfg, logger.NopLogger()).ConnectAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Redis")
}

type closingProducer struct{ err error }

func (p *closingProducer) Publish(context.Context, string, models.Envelope) error { return nil }
func (p *closingProducer) Close() error                                           { return p.err }

func TestBase_BrokerDisabled(t *testing.T) {
	b := NewBase(&config.Config{}, logger.NopLogger())
	require.NoError(t, b.InitBroker())
	assert.Nil(t, b.Producer)

	_, err := b.NewConsumer("courier-ingest")
	assert.Error(t, err)
}

func TestBase_ShutdownCollectsErrors(t *testing.T) {
	b := NewBase(&config.Config{}, logger.NopLogger())
	b.Producer = &closingProducer{err: errors.New("producer stuck")}

	err := b.Shutdown(context.Background(), func(ctx context.Context) error {
		return errors.New("engine stuck")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine stuck")
	assert.Contains(t, err.Error(), "producer stuck")
}
