package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
// History rows are only visible through a join on their session row, so a
// session and its history expire at the same instant.
type SQLiteStore struct {
	db      *sql.DB
	opts    Options
	writeMu sync.Mutex // Serializes writers to prevent SQLITE_BUSY
	retry   shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts Options) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode so the gateway and worker can share the file.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{
		db:    db,
		opts:  opts.withDefaults(),
		retry: shared.RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond},
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		owner_name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS turns (
		token TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		origin TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (token, turn_id)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_order ON turns(token, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession issues a new token for ownerName.
func (s *SQLiteStore) CreateSession(ctx context.Context, ownerName string) (*domain.Session, error) {
	session := newSession(ownerName, s.opts.Clock.Now(), s.opts.TTL)

	query := `INSERT INTO sessions (token, owner_name, created_at, expires_at) VALUES (?, ?, ?, ?)`
	err := s.withWriteRetry(ctx, "create session", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			session.Token, session.OwnerName,
			session.CreatedAt.UnixMilli(), session.ExpiresAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert session: %w: %w", ErrUnavailable, err)
	}
	return session, nil
}

// GetSession returns the live session for token.
func (s *SQLiteStore) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	query := `
		SELECT token, owner_name, created_at, expires_at
		FROM sessions WHERE token = ? AND expires_at > ?`

	row := s.db.QueryRowContext(ctx, query, token, s.opts.Clock.Now().UnixMilli())

	var session domain.Session
	var createdAt, expiresAt int64
	err := row.Scan(&session.Token, &session.OwnerName, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w: %w", ErrUnavailable, err)
	}

	session.CreatedAt = time.UnixMilli(createdAt)
	session.ExpiresAt = time.UnixMilli(expiresAt)
	return &session, nil
}

// AppendTurn appends a single turn with a generated ID.
func (s *SQLiteStore) AppendTurn(ctx context.Context, token string, origin domain.Origin, body string) error {
	return s.AppendTurns(ctx, token, newTurn(origin, body, s.opts.Clock.Now()))
}

// AppendTurns appends turns in one transaction.
func (s *SQLiteStore) AppendTurns(ctx context.Context, token string, turns ...domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	err := s.withWriteRetry(ctx, "append turns", func(ctx context.Context) error {
		return s.appendTurnsOnce(ctx, token, turns)
	})
	if err != nil {
		return fmt.Errorf("append turns: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) appendTurnsOnce(ctx context.Context, token string, turns []domain.Turn) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back append", "error", rbErr)
			}
		}
	}()

	var live int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE token = ? AND expires_at > ?`,
		token, s.opts.Clock.Now().UnixMilli(),
	).Scan(&live)
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if live == 0 {
		slog.Debug("AppendTurns skipped for missing session", "token", token)
		return tx.Rollback()
	}

	var maxSeq int64
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE token = ?`, token,
	).Scan(&maxSeq); err != nil {
		return fmt.Errorf("read last seq: %w", err)
	}

	insert := `
	INSERT INTO turns (token, turn_id, seq, origin, body, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(token, turn_id) DO NOTHING`

	for _, turn := range turns {
		seq := turn.Seq
		if seq == 0 {
			seq = maxSeq + 1
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		if _, err = tx.ExecContext(ctx, insert,
			token, turn.ID, seq, string(turn.Origin), turn.Body, turn.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert turn %s: %w", turn.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// HasTurn looks turnID up across the whole history of token.
func (s *SQLiteStore) HasTurn(ctx context.Context, token, turnID string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM turns t
			JOIN sessions s ON s.token = t.token
			WHERE t.token = ? AND t.turn_id = ? AND s.expires_at > ?
		)`

	var found bool
	err := s.db.QueryRowContext(ctx, query, token, turnID, s.opts.Clock.Now().UnixMilli()).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("lookup turn: %w: %w", ErrUnavailable, err)
	}
	if found {
		return true, nil
	}
	if _, err := s.GetSession(ctx, token); err != nil {
		return false, err
	}
	return false, nil
}

// GetHistory returns up to limit most recent turns, oldest first.
func (s *SQLiteStore) GetHistory(ctx context.Context, token string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	query := `
		SELECT t.turn_id, t.body, t.origin, t.created_at, t.seq
		FROM turns t
		JOIN sessions s ON s.token = t.token
		WHERE t.token = ? AND s.expires_at > ?
		ORDER BY t.seq DESC, t.rowid DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, token, s.opts.Clock.Now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w: %w", ErrUnavailable, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	turns := []domain.Turn{}
	for rows.Next() {
		var turn domain.Turn
		var origin string
		var createdAt int64
		if err := rows.Scan(&turn.ID, &turn.Body, &origin, &createdAt, &turn.Seq); err != nil {
			return nil, fmt.Errorf("scan turn row: %w: %w", ErrUnavailable, err)
		}
		turn.Origin = domain.Origin(origin)
		turn.CreatedAt = time.UnixMilli(createdAt)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w: %w", ErrUnavailable, err)
	}

	if len(turns) == 0 {
		// Distinguish an empty history from an absent session.
		if _, err := s.GetSession(ctx, token); err != nil {
			return nil, err
		}
		return turns, nil
	}

	// Rows arrive newest first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// PurgeExpired removes expired sessions and their turns.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.opts.Clock.Now().UnixMilli()
	var purged int64

	err := s.withWriteRetry(ctx, "purge expired", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM turns WHERE token IN (SELECT token FROM sessions WHERE expires_at <= ?)`, now,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if purged, err = result.RowsAffected(); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w: %w", ErrUnavailable, err)
	}
	return purged, nil
}

// withWriteRetry serializes writers and retries on SQLITE_BUSY.
func (s *SQLiteStore) withWriteRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return shared.Retry(ctx, s.retry, op, shared.IsSQLiteConflictError, fn)
}
