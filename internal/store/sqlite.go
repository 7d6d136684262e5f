package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"chatrelay/internal/chat"
	"chatrelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Append(ctx context.Context, msg chat.Message) error {
	// The UNIQUE index on id is the duplicate check; concurrent appends of the
	// same id then surface as a constraint violation, not a raced pre-check.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, author, body, raw_body, type, visible, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Author, msg.Body, msg.RawBody, string(msg.Type), boolToInt(msg.Visible),
		msg.Timestamp.UTC().Format(time.RFC3339Nano))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func (s *sqliteStore) Query(ctx context.Context, f Filter) ([]chat.Message, error) {
	q := `SELECT id, author, body, raw_body, type, visible, timestamp FROM messages`
	if f.VisibleOnly {
		q += ` WHERE visible = 1`
	}
	q += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetByID(ctx context.Context, id string) (chat.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, author, body, raw_body, type, visible, timestamp FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, ErrNotFound
	}
	return m, err
}

func (s *sqliteStore) SetVisibility(ctx context.Context, ids []string, visible bool) (int, error) {
	changed := 0
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE messages SET visible = ? WHERE id = ? AND visible != ?`,
			boolToInt(visible), id, boolToInt(visible))
		if err != nil {
			return changed, err
		}
		if n, err := res.RowsAffected(); err == nil {
			changed += int(n)
		}
	}
	return changed, nil
}

func (s *sqliteStore) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (chat.Message, error) {
	var (
		m       chat.Message
		typ     string
		visible int
		ts      string
	)
	if err := r.Scan(&m.ID, &m.Author, &m.Body, &m.RawBody, &typ, &visible, &ts); err != nil {
		return chat.Message{}, err
	}
	m.Type = chat.EventType(typ)
	m.Visible = visible != 0
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		m.Timestamp = t
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
