package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a queryable secondary index over the audit trail, backing
// POST /audit/query. The append-only LocalLog remains the durable source of
// truth; Store is rebuildable from it if ever lost.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: enabling WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: running migrations: %w", err)
	}

	slog.Info("audit store initialized", "path", dbPath)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit (
		request_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		action TEXT NOT NULL,
		caller TEXT NOT NULL,
		region TEXT NOT NULL,
		env TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		categories TEXT,
		decision_action TEXT NOT NULL,
		policy_version INTEGER NOT NULL,
		redaction_count INTEGER NOT NULL DEFAULT 0,
		payload_bytes INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_request_id ON audit(request_id);
	CREATE INDEX IF NOT EXISTS idx_audit_caller ON audit(caller);
	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit(action);
	CREATE INDEX IF NOT EXISTS idx_audit_decision_action ON audit(decision_action);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert persists one record into the queryable index.
func (s *Store) Insert(rec Record) error {
	categories, err := json.Marshal(rec.Categories)
	if err != nil {
		categories = []byte("[]")
	}

	_, err = s.db.Exec(`
		INSERT INTO audit
		(request_id, timestamp, action, caller, region, env, conversation_id, categories, decision_action, policy_version, redaction_count, payload_bytes, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID,
		rec.Timestamp,
		rec.Action,
		rec.Caller,
		rec.Region,
		rec.Env,
		rec.ConversationID,
		string(categories),
		rec.DecisionAction,
		rec.PolicyVersion,
		rec.RedactionCount,
		rec.PayloadBytes,
		rec.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("audit: inserting record: %w", err)
	}
	return nil
}

// Query searches the index. q, when non-empty, matches against action,
// caller, conversation_id, decision_action, or request_id (substring/exact).
// Results are most-recent-first and bounded by limit (capped at 1000).
func (s *Store) Query(q string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT request_id, timestamp, action, caller, region, env, conversation_id, categories, decision_action, policy_version, redaction_count, payload_bytes, latency_ms
		FROM audit`
	args := []interface{}{}
	if q != "" {
		query += ` WHERE action LIKE ? OR caller LIKE ? OR conversation_id LIKE ? OR decision_action LIKE ? OR request_id = ?`
		like := "%" + q + "%"
		args = append(args, like, like, like, like, q)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: querying records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var categoriesStr sql.NullString
		if err := rows.Scan(
			&rec.RequestID,
			&rec.Timestamp,
			&rec.Action,
			&rec.Caller,
			&rec.Region,
			&rec.Env,
			&rec.ConversationID,
			&categoriesStr,
			&rec.DecisionAction,
			&rec.PolicyVersion,
			&rec.RedactionCount,
			&rec.PayloadBytes,
			&rec.LatencyMs,
		); err != nil {
			return nil, fmt.Errorf("audit: scanning record: %w", err)
		}
		if categoriesStr.Valid && categoriesStr.String != "" {
			_ = json.Unmarshal([]byte(categoriesStr.String), &rec.Categories)
		}
		records = append(records, rec)
	}
	return records, nil
}

// DroppedCount persists the SIEM queue's dropped-record counter as an audit
// event of its own, per spec's requirement that drops are themselves audited.
func (s *Store) RecordDropped(count int64, reason string) error {
	_, err := s.db.Exec(`
		INSERT INTO audit
		(request_id, timestamp, action, caller, region, env, conversation_id, categories, decision_action, policy_version, redaction_count, payload_bytes, latency_ms)
		VALUES (?, ?, 'siem_queue_dropped', '', '', '', '', '[]', ?, 0, ?, 0, 0)`,
		fmt.Sprintf("dropped-%d", time.Now().UnixNano()),
		time.Now().UTC(),
		reason,
		count,
	)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
