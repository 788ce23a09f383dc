package db

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient connects the pub/sub and rate-limit client. The client
// name shows up in CLIENT LIST, one per service.
func NewRedisClient(ctx context.Context, url, clientName string, log *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.ClientName = clientName

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	log.Info("redis connected",
		zap.String("addr", opts.Addr),
		zap.String("client_name", clientName),
	)
	return client, nil
}
