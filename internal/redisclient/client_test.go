package redisclient

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/open_model_server/internal/config"
)

func TestConnect(t *testing.T) {
	server := miniredis.RunT(t)

	for _, url := range []string{"redis://" + server.Addr() + "/0", server.Addr()} {
		client, err := Connect(context.Background(), config.RedisConfig{URL: url, PoolSize: 2})
		require.NoError(t, err, url)
		require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
		require.NoError(t, client.Close())
	}
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(config.RedisConfig{})
	require.ErrorIs(t, err, ErrNotConfigured)
}
