// Package directory stores conversation membership, the scope data sessions
// subscribe to.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/adred-codev/ws_gateway/internal/session"
)

var ErrNotFound = errors.New("conversation not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_members (
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id         TEXT NOT NULL,
	joined_at       INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_members_user ON conversation_members(user_id);
`

// SQLiteDirectory implements session.ScopeLister and session.ScopeFetcher.
type SQLiteDirectory struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteDirectory opens (and if needed creates) the database at path.
func NewSQLiteDirectory(path string, logger zerolog.Logger) (*SQLiteDirectory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	d := &SQLiteDirectory{
		db:     db,
		logger: logger.With().Str("component", "directory").Logger(),
	}
	d.logger.Info().Str("path", path).Msg("Directory opened")
	return d, nil
}

func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

// CreateConversation inserts a conversation with its initial members.
func (d *SQLiteDirectory) CreateConversation(ctx context.Context, item session.ScopeItem) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, kind, name, created_at) VALUES (?, ?, ?, ?)`,
		item.ID, item.Kind, item.Name, now); err != nil {
		return fmt.Errorf("insert conversation %s: %w", item.ID, err)
	}
	for _, userID := range item.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO conversation_members (conversation_id, user_id, joined_at) VALUES (?, ?, ?)`,
			item.ID, userID, now); err != nil {
			return fmt.Errorf("insert member %s: %w", userID, err)
		}
	}
	return tx.Commit()
}

// AddMember adds userID to a conversation.
func (d *SQLiteDirectory) AddMember(ctx context.Context, conversationID, userID string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversation_members (conversation_id, user_id, joined_at) VALUES (?, ?, ?)`,
		conversationID, userID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add member %s to %s: %w", userID, conversationID, err)
	}
	return nil
}

// RemoveMember removes userID from a conversation.
func (d *SQLiteDirectory) RemoveMember(ctx context.Context, conversationID, userID string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID)
	if err != nil {
		return fmt.Errorf("remove member %s from %s: %w", userID, conversationID, err)
	}
	return nil
}

// ListScopeItems returns every conversation identity is a member of.
func (d *SQLiteDirectory) ListScopeItems(ctx context.Context, identity session.Identity) ([]session.ScopeItem, error) {
	rows, err := d.db.QueryContext(ctx, `
SELECT c.id, c.kind, c.name
FROM conversations c
JOIN conversation_members m ON m.conversation_id = c.id
WHERE m.user_id = ?
ORDER BY c.id`, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	items := []session.ScopeItem{}
	index := map[string]int{}
	for rows.Next() {
		var item session.ScopeItem
		if err := rows.Scan(&item.ID, &item.Kind, &item.Name); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		index[item.ID] = len(items)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return items, nil
	}

	members, err := d.db.QueryContext(ctx, `
SELECT conversation_id, user_id
FROM conversation_members
WHERE conversation_id IN (SELECT conversation_id FROM conversation_members WHERE user_id = ?)
ORDER BY conversation_id, user_id`, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer members.Close()

	for members.Next() {
		var conversationID, userID string
		if err := members.Scan(&conversationID, &userID); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if i, ok := index[conversationID]; ok {
			items[i].Members = append(items[i].Members, userID)
		}
	}
	return items, members.Err()
}

// FetchScopeItem loads one conversation. Conversations identity is not a
// member of are reported as ErrNotFound.
func (d *SQLiteDirectory) FetchScopeItem(ctx context.Context, identity session.Identity, id string) (session.ScopeItem, error) {
	var item session.ScopeItem
	err := d.db.QueryRowContext(ctx, `
SELECT c.id, c.kind, c.name
FROM conversations c
JOIN conversation_members m ON m.conversation_id = c.id
WHERE c.id = ? AND m.user_id = ?`, id, identity.UserID).Scan(&item.ID, &item.Kind, &item.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return session.ScopeItem{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return session.ScopeItem{}, fmt.Errorf("fetch conversation %s: %w", id, err)
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY user_id`, id)
	if err != nil {
		return session.ScopeItem{}, fmt.Errorf("fetch members of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return session.ScopeItem{}, fmt.Errorf("scan member: %w", err)
		}
		item.Members = append(item.Members, userID)
	}
	return item, rows.Err()
}
