package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/devXprite/world-chatapp/internal/domain"
	"github.com/devXprite/world-chatapp/pkg/log"
)

// RedisConfig holds Redis connection configuration for the message log.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Redis key patterns:
// chat:timeline          ZSET score=unix-micro member=message_id
// chat:message:{id}      STRING<json>                - message document
// chat:messages:new      PUBSUB                      - live feed of appends
const (
	timelineKey    = "chat:timeline"
	newMessagesCh  = "chat:messages:new"
	queryBatchSize = 128
)

func messageKey(id string) string {
	return fmt.Sprintf("chat:message:%s", id)
}

// RedisMessageLog implements MessageLog on Redis. Timestamps come from the
// Redis server clock, so every client observes the same ordering.
type RedisMessageLog struct {
	client *redis.Client

	// Subscriptions run against a dedicated pubsub connection each; ctx
	// bounds all of them so Close tears the feeds down together.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisMessageLog connects to Redis and verifies the connection.
func NewRedisMessageLog(cfg RedisConfig) (*RedisMessageLog, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisMessageLog{client: client, ctx: ctx, cancel: cancel}, nil
}

func (l *RedisMessageLog) Append(ctx context.Context, draft domain.Draft) (string, error) {
	// Server-assigned timestamp: the Redis clock, not the client's.
	serverTime, err := l.client.Time(ctx).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read server time: %w", err)
	}

	msg := domain.Message{
		ID:          uuid.New().String(),
		Content:     draft.Content,
		UserID:      draft.UserID,
		UserName:    draft.UserName,
		UserCountry: draft.UserCountry,
		Timestamp:   serverTime.UTC().Truncate(time.Microsecond),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := l.client.TxPipeline()
	pipe.Set(ctx, messageKey(msg.ID), data, 0)
	pipe.ZAdd(ctx, timelineKey, redis.Z{
		Score:  float64(msg.Timestamp.UnixMicro()),
		Member: msg.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to append message: %w", err)
	}

	if err := l.client.Publish(ctx, newMessagesCh, data).Err(); err != nil {
		// The message is durable; only the live notification failed.
		// Other clients pick it up on their next history load.
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldMessageID, msg.ID).Msg("failed to publish new message")
	}

	return msg.ID, nil
}

func (l *RedisMessageLog) QueryNewest(ctx context.Context, limit int, before *Cursor) (Page, error) {
	if limit <= 0 {
		return Page{}, fmt.Errorf("invalid page limit %d", limit)
	}

	max := "+inf"
	if before != nil {
		// Inclusive upper bound: equal-score members sort reverse-lex in a
		// descending range, matching the (timestamp, id) order, so ties at
		// the cursor timestamp are filtered by id below.
		max = strconv.FormatInt(before.Timestamp.UnixMicro(), 10)
	}

	var collected []domain.Message
	offset := int64(0)

	for len(collected) < limit {
		ids, err := l.client.ZRevRangeByScore(ctx, timelineKey, &redis.ZRangeBy{
			Min:    "-inf",
			Max:    max,
			Offset: offset,
			Count:  queryBatchSize,
		}).Result()
		if err != nil {
			return Page{}, fmt.Errorf("failed to query timeline: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		offset += int64(len(ids))

		msgs, err := l.fetchDocs(ctx, ids)
		if err != nil {
			return Page{}, err
		}

		for _, msg := range msgs {
			if before != nil && !before.olderThan(msg.Timestamp, msg.ID) {
				continue
			}
			collected = append(collected, msg)
			if len(collected) == limit {
				break
			}
		}

		if len(ids) < queryBatchSize {
			break
		}
	}

	page := Page{
		Messages:    collected,
		ExactlyFull: len(collected) == limit,
	}
	if len(collected) > 0 {
		oldest := collected[len(collected)-1]
		page.Cursor = CursorFor(oldest.Timestamp, oldest.ID)
	}
	return page, nil
}

func (l *RedisMessageLog) fetchDocs(ctx context.Context, ids []string) ([]domain.Message, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(id)
	}

	docs, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message docs: %w", err)
	}

	msgs := make([]domain.Message, 0, len(docs))
	for i, doc := range docs {
		raw, ok := doc.(string)
		if !ok {
			// Timeline entry without a document; skip rather than fail the page.
			log.Ctx(ctx).Warn().Str(log.FieldMessageID, ids[i]).Msg("timeline entry missing document")
			continue
		}
		var msg domain.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str(log.FieldMessageID, ids[i]).Msg("undecodable message document")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (l *RedisMessageLog) Subscribe(onBatch func([]domain.Message), onErr func(error)) (*Subscription, error) {
	// Dedicated connection: a Redis connection in subscriber mode cannot run
	// other commands.
	pubsub := l.client.Subscribe(l.ctx, newMessagesCh)
	if _, err := pubsub.Receive(l.ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to new messages: %w", err)
	}

	ctx, cancel := context.WithCancel(l.ctx)
	go l.pump(ctx, pubsub, onBatch, onErr)

	return NewSubscription(func() {
		cancel()
		pubsub.Close()
	}), nil
}

func (l *RedisMessageLog) pump(ctx context.Context, pubsub *redis.PubSub, onBatch func([]domain.Message), onErr func(error)) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				if ctx.Err() == nil && onErr != nil {
					onErr(fmt.Errorf("live message feed closed"))
				}
				return
			}
			var msg domain.Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				log.L().Warn().Err(err).Msg("undecodable live message payload")
				continue
			}
			onBatch([]domain.Message{msg})
		}
	}
}

func (l *RedisMessageLog) Close() error {
	l.cancel()
	return l.client.Close()
}
