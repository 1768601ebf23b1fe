package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	Name       string
	APIKeyHash string
}

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := &keyRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, api_key_hash FROM api_keys WHERE api_key_prefix = $1`,
		prefix,
	).Scan(&row.Name, &row.APIKeyHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("sqlKeyStore.LookupByPrefix: %w", err)
	}
	return row, nil
}

// PostgresAuthenticator validates API keys against the api_keys table, with
// a stale-while-revalidate cache in front of the DB + bcrypt hot path.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *Cache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates an authenticator backed by PostgreSQL.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  &sqlKeyStore{db: cfg.DB},
		cache:  NewCache(ttl),
		logger: cfg.Logger,
	}
}

// newPostgresAuthenticatorWithStore injects a store for testing.
func newPostgresAuthenticatorWithStore(store KeyStore, cache *Cache, logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{store: store, cache: cache, logger: logger}
}

// Authenticate validates the request's API key.
func (a *PostgresAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return nil, err
	}

	result := a.cache.Get(token)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(token)
		}
		return result.Principal, nil
	}

	principal, err := a.lookupAndVerify(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			return nil, ErrInvalidAPIKey
		}
		a.logger.Warn("auth DB unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}

	a.cache.Set(token, principal)
	return principal, nil
}

// backgroundRefresh re-verifies a stale entry. On failure the entry is
// evicted so the next stale read retries.
func (a *PostgresAuthenticator) backgroundRefresh(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	principal, err := a.lookupAndVerify(ctx, token)
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		a.cache.Delete(token)
		return
	}
	a.cache.Set(token, principal)
}

// lookupAndVerify does the full DB prefix lookup + bcrypt verification.
func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, token string) (*Principal, error) {
	if len(token) < 8 {
		return nil, ErrInvalidAPIKey
	}
	prefix := token[:8]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(token)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	return &Principal{Name: row.Name}, nil
}

var _ Authenticator = (*PostgresAuthenticator)(nil)
