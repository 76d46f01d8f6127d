// Package sqlite mirrors a causal chain ledger into an embedded SQLite
// database using the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"goa.design/capflow/runtime/chain"
)

// Store implements chain.Sink on top of a SQL database.
type Store struct {
	db      *sql.DB
	chainID string
}

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	chain TEXT NOT NULL,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	plan_id TEXT NOT NULL DEFAULT '',
	intent_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	capability_id TEXT NOT NULL DEFAULT '',
	function_name TEXT NOT NULL DEFAULT '',
	arguments TEXT NOT NULL,
	metadata TEXT NOT NULL,
	timestamp_ns INTEGER NOT NULL,
	cost REAL NOT NULL DEFAULT 0,
	duration_ns INTEGER NOT NULL DEFAULT 0,
	hash TEXT NOT NULL,
	result_success INTEGER,
	result_value TEXT,
	result_metadata TEXT,
	result_cost REAL,
	result_duration_ns INTEGER,
	result_hash TEXT NOT NULL DEFAULT '',
	UNIQUE (chain, seq)
);
CREATE INDEX IF NOT EXISTS actions_session ON actions (chain, session_id, seq);`

const columns = `id, seq, type, parent_id, plan_id, intent_id, session_id, capability_id,
	function_name, arguments, metadata, timestamp_ns, cost, duration_ns, hash,
	result_success, result_value, result_metadata, result_cost, result_duration_ns, result_hash`

const insertAction = `INSERT INTO actions (chain, ` + columns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Open opens (creating if needed) the database at dsn and returns a Store
// for chainID. Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, dsn, chainID string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)
	s, err := New(ctx, db, chainID)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New returns a Store using db, creating the schema if needed.
func New(ctx context.Context, db *sql.DB, chainID string) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if chainID == "" {
		return nil, errors.New("chain id is required")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate actions table: %w", err)
	}
	return &Store{db: db, chainID: chainID}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return "chain-sqlite"
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HandleEvent implements chain.Sink. Appended actions are inserted when
// absent and finalized actions overwrite the stored row.
func (s *Store) HandleEvent(ctx context.Context, ev chain.Event) error {
	rec, err := chain.NewRecord(ev.Action)
	if err != nil {
		return err
	}
	var conflict string
	switch ev.Kind {
	case chain.EventAppended:
		conflict = ` ON CONFLICT (id) DO NOTHING`
	case chain.EventFinalized:
		conflict = ` ON CONFLICT (id) DO UPDATE SET
			result_success = excluded.result_success,
			result_value = excluded.result_value,
			result_metadata = excluded.result_metadata,
			result_cost = excluded.result_cost,
			result_duration_ns = excluded.result_duration_ns,
			result_hash = excluded.result_hash`
	default:
		return fmt.Errorf("unknown ledger event %q", ev.Kind)
	}
	if _, err := s.db.ExecContext(ctx, insertAction+conflict, s.args(rec)...); err != nil {
		return fmt.Errorf("store action %s: %w", rec.ID, err)
	}
	return nil
}

// Load returns every stored action of the chain ordered by sequence.
func (s *Store) Load(ctx context.Context) ([]chain.Record, error) {
	return s.query(ctx, `SELECT `+columns+` FROM actions WHERE chain = ? ORDER BY seq`, s.chainID)
}

// LoadSession returns the stored actions of sessionID ordered by sequence.
func (s *Store) LoadSession(ctx context.Context, sessionID string) ([]chain.Record, error) {
	return s.query(ctx, `SELECT `+columns+` FROM actions WHERE chain = ? AND session_id = ? ORDER BY seq`, s.chainID, sessionID)
}

// Restore loads the stored chain into l, which must be empty.
func (s *Store) Restore(ctx context.Context, l *chain.Ledger) error {
	recs, err := s.Load(ctx)
	if err != nil {
		return err
	}
	actions := make([]chain.Action, 0, len(recs))
	for _, r := range recs {
		a, err := r.Action()
		if err != nil {
			return err
		}
		actions = append(actions, a)
	}
	return l.Restore(actions)
}

func (s *Store) args(rec chain.Record) []any {
	args := []any{
		s.chainID, rec.ID, int64(rec.Seq), rec.Type, rec.ParentID, rec.PlanID, //nolint:gosec // sequence numbers fit in int64
		rec.IntentID, rec.SessionID, rec.CapabilityID, rec.FunctionName,
		string(rec.Arguments), string(rec.Metadata), rec.TimestampNS, rec.Cost,
		rec.DurationNS, rec.Hash,
	}
	if r := rec.Result; r != nil {
		return append(args, r.Success, string(r.Value), string(r.Metadata), r.Cost, r.DurationNS, rec.ResultHash)
	}
	return append(args, nil, nil, nil, nil, nil, "")
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]chain.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []chain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func scanRecord(rows *sql.Rows) (chain.Record, error) {
	var (
		rec       chain.Record
		seq       int64
		args      string
		meta      string
		rSuccess  sql.NullBool
		rValue    sql.NullString
		rMeta     sql.NullString
		rCost     sql.NullFloat64
		rDuration sql.NullInt64
	)
	err := rows.Scan(
		&rec.ID, &seq, &rec.Type, &rec.ParentID, &rec.PlanID, &rec.IntentID,
		&rec.SessionID, &rec.CapabilityID, &rec.FunctionName, &args, &meta,
		&rec.TimestampNS, &rec.Cost, &rec.DurationNS, &rec.Hash,
		&rSuccess, &rValue, &rMeta, &rCost, &rDuration, &rec.ResultHash,
	)
	if err != nil {
		return chain.Record{}, fmt.Errorf("scan action: %w", err)
	}
	rec.Seq = uint64(seq) //nolint:gosec // stored from a uint64
	rec.Arguments = []byte(args)
	rec.Metadata = []byte(meta)
	if rSuccess.Valid {
		rec.Result = &chain.ResultRecord{
			Success:    rSuccess.Bool,
			Value:      []byte(rValue.String),
			Metadata:   []byte(rMeta.String),
			Cost:       rCost.Float64,
			DurationNS: rDuration.Int64,
		}
	}
	return rec, nil
}
