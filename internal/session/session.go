package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix  = "modelmux:session:"
	defaultTTL = 24 * time.Hour

	// maxStoredTurns bounds the per-session history document.
	maxStoredTurns = 200
)

// Turn is one prior message in a conversation.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	Tokens    int       `json:"tokens,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the narrow session contract the router depends on. The
// full conversation subsystem lives elsewhere; the router only reads
// context and appends turns.
type Store interface {
	GetContext(ctx context.Context, sessionID string, maxMessages int) ([]Turn, error)
	AppendMessage(ctx context.Context, sessionID, role, content, model string, tokens int) error
}

type document struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     []Turn    `json:"turns"`
}

// RedisStore keeps session history as TTL'd JSON documents in Redis.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRedisStore wires the store to an existing Redis client.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger, ttl: defaultTTL}
}

// GetContext returns up to maxMessages most recent turns, oldest
// first. An unknown session yields an empty context, not an error.
func (s *RedisStore) GetContext(ctx context.Context, sessionID string, maxMessages int) ([]Turn, error) {
	data, err := s.client.Get(ctx, keyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	turns := doc.Turns
	if maxMessages > 0 && len(turns) > maxMessages {
		turns = turns[len(turns)-maxMessages:]
	}
	return turns, nil
}

// AppendMessage adds one turn to the session, creating it on first
// write and refreshing its TTL.
func (s *RedisStore) AppendMessage(ctx context.Context, sessionID, role, content, model string, tokens int) error {
	key := keyPrefix + sessionID
	now := time.Now()

	var doc document
	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		doc = document{SessionID: sessionID, CreatedAt: now}
	case err != nil:
		return fmt.Errorf("read session %s: %w", sessionID, err)
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			s.logger.Warn("Session document corrupt, resetting",
				zap.String("session_id", sessionID),
				zap.Error(err))
			doc = document{SessionID: sessionID, CreatedAt: now}
		}
	}

	doc.Turns = append(doc.Turns, Turn{
		Role:      role,
		Content:   content,
		Model:     model,
		Tokens:    tokens,
		Timestamp: now,
	})
	if len(doc.Turns) > maxStoredTurns {
		doc.Turns = doc.Turns[len(doc.Turns)-maxStoredTurns:]
	}
	doc.UpdatedAt = now

	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sessionID, err)
	}
	if err := s.client.Set(ctx, key, out, s.ttl).Err(); err != nil {
		return fmt.Errorf("write session %s: %w", sessionID, err)
	}
	return nil
}
