// Package tokens issues and verifies opaque bearer tokens backed by Redis.
package tokens

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/fiberops/conductor/internal/domain"
)

const keyPrefix = "conductor:token:"

// Store keeps issued tokens in Redis with a TTL. Tokens are opaque UUIDs;
// the username is the stored value so Verify can attribute requests.
type Store struct {
	rdb      redis.UniversalClient
	username string
	pwHash   string
	ttl      time.Duration
}

// New constructs a Store. username/pwHash come from configuration; pwHash is
// a bcrypt hash.
func New(rdb redis.UniversalClient, username, pwHash string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Store{rdb: rdb, username: username, pwHash: pwHash, ttl: ttl}
}

// Issue validates the credentials and mints a new token. Bad credentials
// return ErrInvalidArgument without distinguishing username from password.
func (s *Store) Issue(ctx domain.Context, username, password string) (string, time.Time, error) {
	if username != s.username {
		return "", time.Time{}, fmt.Errorf("op=tokens.Issue: bad credentials: %w", domain.ErrInvalidArgument)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.pwHash), []byte(password)); err != nil {
		return "", time.Time{}, fmt.Errorf("op=tokens.Issue: bad credentials: %w", domain.ErrInvalidArgument)
	}
	token := uuid.NewString()
	expiry := time.Now().Add(s.ttl)
	if err := s.rdb.Set(ctx, keyPrefix+token, username, s.ttl).Err(); err != nil {
		return "", time.Time{}, fmt.Errorf("op=tokens.Issue: %w", err)
	}
	return token, expiry, nil
}

// Verify resolves a token to its username. Unknown or expired tokens return
// ErrNotFound.
func (s *Store) Verify(ctx domain.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("op=tokens.Verify: empty token: %w", domain.ErrNotFound)
	}
	username, err := s.rdb.Get(ctx, keyPrefix+token).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("op=tokens.Verify: unknown token: %w", domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("op=tokens.Verify: %w", err)
	}
	return username, nil
}

// Revoke deletes a token. Revoking an unknown token is not an error.
func (s *Store) Revoke(ctx domain.Context, token string) error {
	if err := s.rdb.Del(ctx, keyPrefix+token).Err(); err != nil {
		return fmt.Errorf("op=tokens.Revoke: %w", err)
	}
	return nil
}
