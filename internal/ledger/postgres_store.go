package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/lib/pq"
)

// PostgresStore persists the chain in a single append-only table.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Schema for the proof_events table. Sequence order is append order.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS proof_events (
    seq            BIGSERIAL PRIMARY KEY,
    event_id       TEXT NOT NULL UNIQUE,
    event_type     TEXT NOT NULL,
    correlation_id TEXT NOT NULL DEFAULT '',
    agent_id       TEXT NOT NULL,
    payload        JSONB NOT NULL,
    previous_hash  TEXT NOT NULL,
    occurred_at    TIMESTAMPTZ NOT NULL,
    event_hash     TEXT NOT NULL,
    recorded_at    TIMESTAMPTZ NOT NULL,
    signed_by      TEXT NOT NULL DEFAULT '',
    signature      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_proof_events_agent ON proof_events (agent_id);
CREATE INDEX IF NOT EXISTS idx_proof_events_type ON proof_events (event_type);
CREATE INDEX IF NOT EXISTS idx_proof_events_occurred ON proof_events (occurred_at);
`

// NewPostgresStore opens a connection and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger := slog.Default().With("component", "ledger.postgres")
	logger.Info("postgres event store ready")
	return &PostgresStore{db: db, logger: logger}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Append(ctx context.Context, event *ProofEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proof_events
			(event_id, event_type, correlation_id, agent_id, payload,
			 previous_hash, occurred_at, event_hash, recorded_at, signed_by, signature)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		event.EventID, event.EventType, event.CorrelationID, event.AgentID, payload,
		event.PreviousHash, event.OccurredAt, event.EventHash, event.RecordedAt,
		event.SignedBy, event.Signature)
	if err != nil {
		s.logger.Error("append failed", "event_id", event.EventID, "error", err)
		return fmt.Errorf("inserting event %s: %w", event.EventID, err)
	}
	return nil
}

const eventColumns = `event_id, event_type, correlation_id, agent_id, payload,
	previous_hash, occurred_at, event_hash, recorded_at, signed_by, signature`

func scanEvent(row interface{ Scan(...interface{}) error }) (*ProofEvent, error) {
	var e ProofEvent
	var payload []byte
	err := row.Scan(&e.EventID, &e.EventType, &e.CorrelationID, &e.AgentID, &payload,
		&e.PreviousHash, &e.OccurredAt, &e.EventHash, &e.RecordedAt, &e.SignedBy, &e.Signature)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload of %s: %w", e.EventID, err)
	}
	return &e, nil
}

func (s *PostgresStore) Get(ctx context.Context, eventID string) (*ProofEvent, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM proof_events WHERE event_id = $1", eventID)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

// buildWhere turns a Filter into a WHERE clause with positional args.
func buildWhere(filter Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.AgentID != "" {
		add("agent_id = $%d", filter.AgentID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if filter.CorrelationID != "" {
		add("correlation_id = $%d", filter.CorrelationID)
	}
	if !filter.Since.IsZero() {
		add("occurred_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("occurred_at <= $%d", filter.Until)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *PostgresStore) Query(ctx context.Context, filter Filter, page Page) ([]*ProofEvent, error) {
	where, args := buildWhere(filter)
	query := "SELECT " + eventColumns + " FROM proof_events" + where + " ORDER BY seq"
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProofEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int64, error) {
	where, args := buildWhere(filter)
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM proof_events"+where, args...).Scan(&n)
	return n, err
}

func (s *PostgresStore) GetChain(ctx context.Context, fromID string, limit int) ([]*ProofEvent, error) {
	var args []interface{}
	query := "SELECT " + eventColumns + " FROM proof_events"

	if fromID != "" {
		var fromSeq int64
		err := s.db.QueryRowContext(ctx,
			"SELECT seq FROM proof_events WHERE event_id = $1", fromID).Scan(&fromSeq)
		if err == sql.ErrNoRows {
			return nil, ErrEventNotFound
		}
		if err != nil {
			return nil, err
		}
		args = append(args, fromSeq)
		query += " WHERE seq > $1"
	}
	query += " ORDER BY seq"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProofEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT event_hash FROM proof_events ORDER BY seq DESC LIMIT 1").Scan(&hash)
	if err == sql.ErrNoRows {
		return GenesisHash, nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (s *PostgresStore) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByType:  make(map[string]int64),
		ByAgent: make(map[string]int64),
	}

	var first, last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MIN(occurred_at), MAX(occurred_at) FROM proof_events").
		Scan(&stats.TotalEvents, &first, &last)
	if err != nil {
		return stats, err
	}
	if first.Valid {
		stats.FirstEvent = first.Time
	}
	if last.Valid {
		stats.LastEvent = last.Time
	}

	if err := s.countsInto(ctx, "event_type", stats.ByType); err != nil {
		return stats, err
	}
	if err := s.countsInto(ctx, "agent_id", stats.ByAgent); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *PostgresStore) countsInto(ctx context.Context, column string, dest map[string]int64) error {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, COUNT(*) FROM proof_events GROUP BY %s", column, column))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		dest[key] = n
	}
	return rows.Err()
}
