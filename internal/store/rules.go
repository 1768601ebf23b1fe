// Package store loads the externally configured policy rule set from
// PostgreSQL. Rule CRUD belongs to the control plane; the proxy only reads.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/toolgate/internal/policy"
)

// Store reads the tool_policies table.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// LoadRules returns the most recently updated rule set. No rows means the
// default taxonomy applies.
func (s *Store) LoadRules(ctx context.Context) (policy.Rules, error) {
	var allowedRaw, denyRaw json.RawMessage
	err := s.db.QueryRowContext(ctx, `
		SELECT allowed_categories, COALESCE(deny_tools, '[]'::jsonb)
		FROM tool_policies
		ORDER BY updated_at DESC
		LIMIT 1`,
	).Scan(&allowedRaw, &denyRaw)
	if err == sql.ErrNoRows {
		return policy.DefaultRules(), nil
	}
	if err != nil {
		return policy.Rules{}, fmt.Errorf("LoadRules: %w", err)
	}

	var rules policy.Rules
	if err := json.Unmarshal(allowedRaw, &rules.AllowedCategories); err != nil {
		return policy.Rules{}, fmt.Errorf("LoadRules: allowed_categories: %w", err)
	}
	if err := json.Unmarshal(denyRaw, &rules.DenyTools); err != nil {
		return policy.Rules{}, fmt.Errorf("LoadRules: deny_tools: %w", err)
	}
	// A null column falls back to the default taxonomy; a stored empty array
	// is an operator's deny-all and stays empty.
	if rules.AllowedCategories == nil {
		s.logger.Warn("tool_policies row has null allowed_categories, applying defaults")
		rules.AllowedCategories = policy.DefaultRules().AllowedCategories
	}
	return rules, nil
}

// WatchRules re-reads the rule set on a fixed interval and applies every
// successful load. A failed read keeps the previous rules and is logged.
func (s *Store) WatchRules(ctx context.Context, interval time.Duration, apply func(policy.Rules)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rules, err := s.LoadRules(ctx)
				if err != nil {
					s.logger.Warn("policy rules reload failed, keeping previous rules",
						zap.Error(err),
					)
					continue
				}
				apply(rules)
			case <-ctx.Done():
				return
			}
		}
	}()
}
