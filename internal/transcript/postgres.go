package transcript

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/observe"
)

// Schema is the SQL DDL for the transcript_entries table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    speaker    TEXT NOT NULL,
    text       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transcript_entries_session ON transcript_entries(session_id, created_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// Connect opens a pgx connection pool for the given DSN and verifies it with
// a ping. The returned pool satisfies the [DB] interface.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript: ping: %w", err)
	}
	return pool, nil
}

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// transcript_entries table and index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("transcript: migrate: %w", err)
	}
	return nil
}

// Append inserts one transcript entry. A zero CreatedAt defers to the
// database clock.
func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	if entry.SessionID == "" {
		return fmt.Errorf("transcript: append: empty session id")
	}

	ctx, span := observe.StartSpan(ctx, "transcript.Append", trace.WithAttributes(
		attribute.String("session.id", entry.SessionID),
		attribute.String("transcript.speaker", entry.Speaker),
	))
	defer span.End()

	var err error
	if entry.CreatedAt.IsZero() {
		const query = `INSERT INTO transcript_entries (session_id, speaker, text) VALUES ($1,$2,$3)`
		_, err = s.db.Exec(ctx, query, entry.SessionID, entry.Speaker, entry.Text)
	} else {
		const query = `INSERT INTO transcript_entries (session_id, speaker, text, created_at) VALUES ($1,$2,$3,$4)`
		_, err = s.db.Exec(ctx, query, entry.SessionID, entry.Speaker, entry.Text, entry.CreatedAt)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("transcript: append: %w", err)
	}
	return nil
}

// BySession returns a session's entries in chronological order. A
// non-positive limit returns all entries; otherwise the most recent limit
// entries are returned.
func (s *PostgresStore) BySession(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	ctx, span := observe.StartSpan(ctx, "transcript.BySession", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("transcript.limit", limit),
	))
	defer span.End()

	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		const query = `
			SELECT session_id, speaker, text, created_at FROM (
				SELECT session_id, speaker, text, created_at
				FROM transcript_entries
				WHERE session_id = $1
				ORDER BY created_at DESC, id DESC
				LIMIT $2
			) recent
			ORDER BY created_at ASC`
		rows, err = s.db.Query(ctx, query, sessionID, limit)
	} else {
		const query = `
			SELECT session_id, speaker, text, created_at
			FROM transcript_entries
			WHERE session_id = $1
			ORDER BY created_at ASC, id ASC`
		rows, err = s.db.Query(ctx, query, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("transcript: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SessionID, &e.Speaker, &e.Text, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("transcript: scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: query: %w", err)
	}
	return entries, nil
}
