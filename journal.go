package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type SwapStatus string

const (
	SwapSubmitted SwapStatus = "submitted"
	SwapLanded    SwapStatus = "landed"
	SwapFailed    SwapStatus = "failed"
)

// JournalEntry is one swap attempt that got as far as the aggregator.
type JournalEntry struct {
	ID        int64
	ChatID    int64
	Direction SwapDir
	Mint      string
	InAmount  uint64
	QuotedOut uint64
	Signature string
	Status    SwapStatus
	Error     string
	CreatedAt time.Time
}

// Journal appends swaps to a local SQLite file. It's a record for the operator and for /history,
// nothing reads it back to make trading decisions.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

func OpenJournal(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// one writer, sqlite serialises anyway and this keeps :memory: on a single connection
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	j := &Journal{db: db, now: time.Now}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	const query = `
	CREATE TABLE IF NOT EXISTS swaps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		mint TEXT NOT NULL,
		in_amount TEXT NOT NULL,
		quoted_out TEXT NOT NULL,
		signature TEXT,
		status TEXT NOT NULL,
		error TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_swaps_chat ON swaps(chat_id, id);
	`
	if _, err := j.db.Exec(query); err != nil {
		return fmt.Errorf("create journal schema: %w", err)
	}
	return nil
}

// Record stores entry and returns its id. Amounts are stored as decimal text, sqlite integers are
// signed and raw token amounts can use the full uint64 range.
func (j *Journal) Record(ctx context.Context, entry JournalEntry) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = j.now()
	}
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO swaps (chat_id, direction, mint, in_amount, quoted_out, signature, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ChatID,
		entry.Direction.String(),
		entry.Mint,
		fmt.Sprint(entry.InAmount),
		fmt.Sprint(entry.QuotedOut),
		nullable(entry.Signature),
		string(entry.Status),
		nullable(entry.Error),
		entry.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert swap: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns the newest entries first. chatID 0 means every chat.
func (j *Journal) Recent(ctx context.Context, chatID int64, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT id, chat_id, direction, mint, in_amount, quoted_out, signature, status, error, created_at
		FROM swaps`
	args := []any{}
	if chatID != 0 {
		query += ` WHERE chat_id = ?`
		args = append(args, chatID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query swaps: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e                 JournalEntry
			dir, status       string
			inAmt, quotedOut  string
			signature, errMsg sql.NullString
			createdAt         int64
		)
		if err := rows.Scan(&e.ID, &e.ChatID, &dir, &e.Mint, &inAmt, &quotedOut, &signature, &status, &errMsg, &createdAt); err != nil {
			return nil, fmt.Errorf("scan swap row: %w", err)
		}
		e.Direction = parseSwapDir(dir)
		if _, err := fmt.Sscan(inAmt, &e.InAmount); err != nil {
			return nil, fmt.Errorf("swap %d in_amount %q: %w", e.ID, inAmt, err)
		}
		if _, err := fmt.Sscan(quotedOut, &e.QuotedOut); err != nil {
			return nil, fmt.Errorf("swap %d quoted_out %q: %w", e.ID, quotedOut, err)
		}
		e.Signature = signature.String
		e.Status = SwapStatus(status)
		e.Error = errMsg.String
		e.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func parseSwapDir(s string) SwapDir {
	switch s {
	case "buy":
		return SwapDirBuy
	case "sell":
		return SwapDirSell
	default:
		return SwapDirUnknown
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
