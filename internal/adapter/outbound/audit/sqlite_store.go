package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/latch-dev/latch/internal/domain/audit"
	"github.com/latch-dev/latch/internal/domain/policy"
)

// DBFileName is the SQLite audit database inside the data directory.
const DBFileName = "audit.db"

// SQLiteStore implements audit.Store on a local SQLite database. Ordering
// follows insertion order via the rowid so it matches the JSONL store.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ audit.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) dir/audit.db.
func NewSQLiteStore(dir string, logger *slog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	path := filepath.Join(dir, DBFileName)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// WAL lets the hook process append while the proxy reads.
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		logger.Warn("could not restrict audit database permissions", "path", path, "error", err)
	}
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			timestamp TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			agent_client TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL,
			tool_input TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL,
			method TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_entries(tool_name);
	`)
	return err
}

// Append inserts one entry in a single statement.
func (s *SQLiteStore) Append(ctx context.Context, entry audit.Entry) error {
	stamp(&entry)

	var input sql.NullString
	if entry.ToolInput != nil {
		data, err := json.Marshal(entry.ToolInput)
		if err != nil {
			return fmt.Errorf("marshal tool input: %w", err)
		}
		input = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(id, timestamp, agent_id, agent_client, tool_name, tool_input, action, decision, reason, method, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.AgentID,
		entry.AgentClient,
		entry.ToolName,
		input,
		string(entry.Action),
		string(entry.Decision),
		entry.Reason,
		string(entry.Method),
		string(entry.Mode),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Read returns entries newest first.
func (s *SQLiteStore) Read(ctx context.Context, opts audit.ReadOptions) ([]audit.Entry, error) {
	opts = opts.Normalize()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, agent_id, agent_client, tool_name, tool_input, action, decision, reason, method, mode
		FROM audit_entries
		ORDER BY seq DESC
		LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []audit.Entry{}
	for rows.Next() {
		var e audit.Entry
		var ts, action, decision, method, mode string
		var input sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.AgentID, &e.AgentClient, &e.ToolName, &input, &action, &decision, &e.Reason, &method, &mode); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			s.logger.Debug("skipping audit row with bad timestamp", "id", e.ID, "error", err)
			continue
		}
		if input.Valid {
			if err := json.Unmarshal([]byte(input.String), &e.ToolInput); err != nil {
				s.logger.Debug("skipping audit row with bad tool input", "id", e.ID, "error", err)
				continue
			}
		}
		e.Action = policy.Action(action)
		e.Decision = audit.Decision(decision)
		e.Method = audit.Method(method)
		e.Mode = audit.Mode(mode)
		if !e.Valid() {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats aggregates all rows with GROUP BY queries.
func (s *SQLiteStore) Stats(ctx context.Context) (audit.Stats, error) {
	stats := audit.NewStats()

	rows, err := s.db.QueryContext(ctx, `SELECT decision, COUNT(*) FROM audit_entries GROUP BY decision`)
	if err != nil {
		return stats, fmt.Errorf("query decision counts: %w", err)
	}
	for rows.Next() {
		var decision string
		var n int
		if err := rows.Scan(&decision, &n); err != nil {
			_ = rows.Close()
			return stats, fmt.Errorf("scan decision count: %w", err)
		}
		stats.Total += n
		switch audit.Decision(decision) {
		case audit.DecisionAllow:
			stats.Approvals = n
		case audit.DecisionDeny:
			stats.Denials = n
		case audit.DecisionAsk:
			stats.Asks = n
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT tool_name, COUNT(*) FROM audit_entries GROUP BY tool_name`)
	if err != nil {
		return stats, fmt.Errorf("query tool counts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var tool string
		var n int
		if err := rows.Scan(&tool, &n); err != nil {
			return stats, fmt.Errorf("scan tool count: %w", err)
		}
		stats.ByTool[tool] = n
	}
	return stats, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
