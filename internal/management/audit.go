package management

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/internal/routing"
	"courier/pkg/metrics"
	"courier/pkg/models"
)

// AuditStore records who changed which routing rule.
type AuditStore interface {
	LogRuleChange(ctx context.Context, entry AuditLogEntry) error
	RuleChanges(ctx context.Context, ruleID string, limit int) ([]AuditLogEntry, error)
}

type AuditLogEntry struct {
	ID        string        `json:"id"`
	RuleID    string        `json:"rule_id"`
	Action    string        `json:"action"`
	OldValue  *routing.Rule `json:"old_value,omitempty"`
	NewValue  *routing.Rule `json:"new_value,omitempty"`
	ChangedBy string        `json:"changed_by"`
	IPAddress string        `json:"ip_address,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

type AuditLogger struct {
	db *sql.DB
}

func NewAuditLogger(db *sql.DB) *AuditLogger {
	return &AuditLogger{db: db}
}

func (a *AuditLogger) LogRuleChange(ctx context.Context, entry AuditLogEntry) error {
	query := `
		INSERT INTO rule_audit_logs (id, rule_id, action, old_value, new_value, changed_by, ip_address, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	id := uuid.New().String()
	if entry.ID != "" {
		id = entry.ID
	}

	oldValue, err := encodeRule(entry.OldValue)
	if err != nil {
		return err
	}
	newValue, err := encodeRule(entry.NewValue)
	if err != nil {
		return err
	}

	var ipAddress *string
	if entry.IPAddress != "" {
		ipAddress = &entry.IPAddress
	}

	timestamp := time.Now()
	if !entry.Timestamp.IsZero() {
		timestamp = entry.Timestamp
	}

	start := time.Now()
	_, err = a.db.ExecContext(ctx, query,
		id, entry.RuleID, entry.Action, oldValue, newValue,
		entry.ChangedBy, ipAddress, timestamp,
	)
	if err != nil {
		metrics.IncDatabaseQuery("management", "postgres", "insert_audit", "error")
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	metrics.IncDatabaseQuery("management", "postgres", "insert_audit", "success")
	metrics.ObserveDatabaseQueryDuration("management", "postgres", "insert_audit", time.Since(start))
	return nil
}

// RuleChanges returns the newest entries first.
func (a *AuditLogger) RuleChanges(ctx context.Context, ruleID string, limit int) ([]AuditLogEntry, error) {
	query := `
		SELECT id, rule_id, action, old_value, new_value, changed_by, COALESCE(ip_address, ''), timestamp
		FROM rule_audit_logs
		WHERE rule_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	rows, err := a.db.QueryContext(ctx, query, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var out []AuditLogEntry
	for rows.Next() {
		var (
			entry              AuditLogEntry
			oldValue, newValue []byte
		)
		if err := rows.Scan(&entry.ID, &entry.RuleID, &entry.Action, &oldValue, &newValue,
			&entry.ChangedBy, &entry.IPAddress, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if entry.OldValue, err = decodeRule(oldValue); err != nil {
			return nil, err
		}
		if entry.NewValue, err = decodeRule(newValue); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func encodeRule(rule *routing.Rule) (interface{}, error) {
	if rule == nil {
		return nil, nil
	}
	data, err := models.Marshal(rule)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule: %w", err)
	}
	return string(data), nil
}

func decodeRule(data []byte) (*routing.Rule, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var rule routing.Rule
	if err := models.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule: %w", err)
	}
	return &rule, nil
}
