package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	auditStream  = "docsync:audit"
	auditMaxLen  = 100000
	auditTimeout = 2 * time.Second
)

// RedisAuditSink appends activity records to a capped Redis stream. Writes
// happen on a separate goroutine with their own deadline so a slow or dead
// Redis never stalls the editing path.
type RedisAuditSink struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

func NewRedisAuditSink(rdb *redis.Client, logger zerolog.Logger) *RedisAuditSink {
	return &RedisAuditSink{rdb: rdb, logger: logger.With().Str("component", "audit").Logger()}
}

func (s *RedisAuditSink) Record(_ context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		err := s.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: auditStream,
			MaxLen: auditMaxLen,
			Approx: true,
			Values: map[string]any{
				"id":        e.ID,
				"document":  e.DocumentID,
				"principal": e.PrincipalID,
				"action":    e.Action,
				"at":        e.At.Format(time.RFC3339Nano),
			},
		}).Err()
		if err != nil {
			s.logger.Warn().Err(err).Str("document", e.DocumentID).Str("action", e.Action).
				Msg("audit record dropped")
		}
	}()
}
