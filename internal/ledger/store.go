// Package ledger persists the governor's cost accounting. Budget enforcement
// itself is in-memory and message-driven; the ledger is the durable audit
// trail that survives a governor restart and feeds operator tooling.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists cost reports and budget events using modernc.org/sqlite
// (pure Go, no cgo).
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger database at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// init creates the schema tables.
func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cost_reports (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id   TEXT NOT NULL UNIQUE,
		agent_id    TEXT NOT NULL,
		tool        TEXT NOT NULL DEFAULT '',
		cost        REAL NOT NULL,
		reported_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS budget_events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id     TEXT NOT NULL,
		kind         TEXT NOT NULL,
		percent_used REAL NOT NULL,
		occurred_at  DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cost_reports_agent ON cost_reports(agent_id);
	CREATE INDEX IF NOT EXISTS idx_budget_events_agent ON budget_events(agent_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordCost appends one cost report. reportID is the bus message ID of the
// report; a report already recorded under the same ID is ignored, so
// at-least-once delivery cannot inflate the durable total. Returns whether
// the row was newly inserted.
func (s *Store) RecordCost(ctx context.Context, reportID, agentID, tool string, cost float64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cost_reports (report_id, agent_id, tool, cost, reported_at) VALUES (?, ?, ?, ?, ?)`,
		reportID, agentID, tool, cost, at.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record cost report: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record cost report: %w", err)
	}
	return inserted > 0, nil
}

// RecordBudgetEvent appends one budget threshold crossing (warning or
// emergency stop).
func (s *Store) RecordBudgetEvent(ctx context.Context, agentID, kind string, percentUsed float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_events (agent_id, kind, percent_used, occurred_at) VALUES (?, ?, ?, ?)`,
		agentID, kind, percentUsed, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record budget event: %w", err)
	}
	return nil
}

// TotalCost returns the cumulative recorded cost for an agent across all
// tools. A governor restart seeds its in-memory ledger from this.
func (s *Store) TotalCost(ctx context.Context, agentID string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost) FROM cost_reports WHERE agent_id = ?`, agentID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to query total cost: %w", err)
	}
	return total.Float64, nil
}

// BudgetEvent is one recorded threshold crossing.
type BudgetEvent struct {
	AgentID     string
	Kind        string
	PercentUsed float64
	OccurredAt  time.Time
}

// BudgetEvents returns the threshold crossings recorded for an agent, oldest
// first.
func (s *Store) BudgetEvents(ctx context.Context, agentID string) ([]BudgetEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, kind, percent_used, occurred_at FROM budget_events WHERE agent_id = ? ORDER BY id`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query budget events: %w", err)
	}
	defer rows.Close()

	var events []BudgetEvent
	for rows.Next() {
		var ev BudgetEvent
		if err := rows.Scan(&ev.AgentID, &ev.Kind, &ev.PercentUsed, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan budget event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
