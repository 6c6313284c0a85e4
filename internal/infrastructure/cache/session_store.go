package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

var ErrSessionNotFound = errors.New("qr session not found or expired")

// QRSession is a pending QR charge shown to a user. It lives only in Redis
// and expires after a window of inactivity.
type QRSession struct {
	OutTradeNo string          `json:"out_trade_no"`
	Reference  string          `json:"reference"`
	QRCode     string          `json:"qr_code"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  time.Time       `json:"created_at"`
}

type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

func sessionKey(outTradeNo string) string {
	return fmt.Sprintf("nets:qr:%s", outTradeNo)
}

func (s *SessionStore) Save(ctx context.Context, session *QRSession) error {
	body, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionKey(session.OutTradeNo), body, s.ttl).Err()
}

// Get returns the session and slides its expiry forward.
func (s *SessionStore) Get(ctx context.Context, outTradeNo string) (*QRSession, error) {
	key := sessionKey(outTradeNo)
	body, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return nil, err
	}
	var session QRSession
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("decode qr session: %w", err)
	}
	return &session, nil
}

func (s *SessionStore) Delete(ctx context.Context, outTradeNo string) error {
	return s.client.Del(ctx, sessionKey(outTradeNo)).Err()
}
