package routing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"courier/internal/config"
	"courier/pkg/circuitbreaker"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/metrics"
	"courier/pkg/models"
)

// Repository supplies the rule set in registration order.
type Repository interface {
	GetActiveRules(ctx context.Context) ([]Rule, error)
}

// Writer is implemented by repositories that accept rule changes at runtime.
type Writer interface {
	GetRule(ctx context.Context, id string) (*Rule, error)
	UpsertRule(ctx context.Context, rule *Rule) error
	DeleteRule(ctx context.Context, id string) error
}

// StaticRepository serves rules declared in the config file.
type StaticRepository struct {
	mu    sync.RWMutex
	rules []Rule
}

func NewStaticRepository(rules []config.RuleConfig) *StaticRepository {
	return &StaticRepository{rules: RulesFromConfig(rules)}
}

func (r *StaticRepository) SetRules(rules []config.RuleConfig) {
	converted := RulesFromConfig(rules)
	r.mu.Lock()
	r.rules = converted
	r.mu.Unlock()
}

func (r *StaticRepository) GetActiveRules(ctx context.Context) ([]Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		if rule.Enabled {
			out = append(out, rule)
		}
	}
	return out, nil
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectRuleColumns = `id, bus, name, clauses, targets, enabled, created_at, updated_at`

func (r *PostgresRepository) GetActiveRules(ctx context.Context) ([]Rule, error) {
	start := time.Now()
	query := `
		SELECT ` + selectRuleColumns + `
		FROM routing_rules
		WHERE enabled = true
		ORDER BY position ASC, created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		metrics.IncDatabaseQuery("routing", "postgres", "select_rules", "error")
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	metrics.IncDatabaseQuery("routing", "postgres", "select_rules", "success")
	metrics.ObserveDatabaseQueryDuration("routing", "postgres", "select_rules", time.Since(start))
	return rules, nil
}

func (r *PostgresRepository) GetRule(ctx context.Context, id string) (*Rule, error) {
	query := `SELECT ` + selectRuleColumns + ` FROM routing_rules WHERE id = $1`

	rule, err := scanRule(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pkgerrors.ErrNotFound.WithDetail("rule_id", id)
		}
		return nil, err
	}
	return rule, nil
}

// UpsertRule inserts a new rule at the end of the registration order or
// replaces an existing one in place.
func (r *PostgresRepository) UpsertRule(ctx context.Context, rule *Rule) error {
	clauses, err := models.Marshal(rule.Clauses)
	if err != nil {
		return fmt.Errorf("failed to encode clauses: %w", err)
	}
	targets, err := models.Marshal(rule.Targets)
	if err != nil {
		return fmt.Errorf("failed to encode targets: %w", err)
	}

	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO routing_rules (id, bus, name, clauses, targets, enabled, position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
			(SELECT COALESCE(MAX(position), 0) + 1 FROM routing_rules), $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			bus = EXCLUDED.bus,
			name = EXCLUDED.name,
			clauses = EXCLUDED.clauses,
			targets = EXCLUDED.targets,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		rule.ID, rule.Bus, rule.Name, string(clauses), string(targets),
		rule.Enabled, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return pkgerrors.ErrConflict.WithCause(err).WithMessage(fmt.Sprintf("rule '%s' conflicts with an existing rule", rule.ID))
		}
		if strings.Contains(err.Error(), "unique constraint") {
			return pkgerrors.ErrConflict.WithCause(err)
		}
		return fmt.Errorf("failed to upsert rule: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteRule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM routing_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return pkgerrors.ErrNotFound.WithDetail("rule_id", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		rule             Rule
		clauses, targets []byte
	)
	if err := row.Scan(
		&rule.ID,
		&rule.Bus,
		&rule.Name,
		&clauses,
		&targets,
		&rule.Enabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}
	if len(clauses) > 0 {
		if err := models.Unmarshal(clauses, &rule.Clauses); err != nil {
			return nil, fmt.Errorf("rule %s: invalid clauses: %w", rule.ID, err)
		}
	}
	if err := models.Unmarshal(targets, &rule.Targets); err != nil {
		return nil, fmt.Errorf("rule %s: invalid targets: %w", rule.ID, err)
	}
	return &rule, nil
}

// CircuitBreakerRepository stops hammering the rule database while it is
// failing; the reloader keeps the last good snapshot meanwhile.
type CircuitBreakerRepository struct {
	repo Repository
	cb   *circuitbreaker.Wrapper
}

func NewCircuitBreakerRepository(repo Repository, cfg config.CircuitBreakerConfig) *CircuitBreakerRepository {
	return &CircuitBreakerRepository{
		repo: repo,
		cb:   circuitbreaker.FromConfig("postgres-routing-rules", cfg),
	}
}

func (r *CircuitBreakerRepository) GetActiveRules(ctx context.Context) ([]Rule, error) {
	var rules []Rule
	err := r.cb.Do(ctx, func() error {
		var err error
		rules, err = r.repo.GetActiveRules(ctx)
		return err
	})
	if err != nil {
		if circuitbreaker.IsRejection(err) {
			return nil, fmt.Errorf("circuit breaker is open for routing rules: %w", err)
		}
		return nil, err
	}
	return rules, nil
}

// Unwrap exposes the wrapped repository, e.g. to reach its Writer.
func (r *CircuitBreakerRepository) Unwrap() Repository {
	return r.repo
}

func (r *CircuitBreakerRepository) State() string {
	if r.cb == nil {
		return "disabled"
	}
	return r.cb.State().String()
}
