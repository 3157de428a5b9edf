package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Knowledge entry categories.
const (
	CategoryPrompt       = "prompt"
	CategoryHandoff      = "handoff"
	CategoryTaskEvent    = "task_event"
	CategoryDecisionNote = "decision_note"
	CategoryMessage      = "message"
)

// KnowledgeEntry is one indexed, searchable record.
type KnowledgeEntry struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Tags        string    `json:"tags"`
	AccountName string    `json:"accountName"`
	IndexedAt   time.Time `json:"indexedAt"`
}

// Session is a named working session, kept for the TUI and bridge.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Account   string    `json:"account"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Link is an external reference attached to an account or task.
type Link struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// KnowledgeStore wraps the embedded SQLite database: WAL journaling,
// base tables, and FTS5 virtual tables kept in sync by triggers.
type KnowledgeStore struct {
	db *sql.DB
}

// OpenKnowledgeStore opens (creating if needed) the database at path
// and runs migrations.
func OpenKnowledgeStore(path string) (*KnowledgeStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Serialize access through one connection; modernc.org/sqlite is
	// not safe for concurrent writers on separate connections.
	db.SetMaxOpenConns(1)

	ks := &KnowledgeStore{db: db}
	if err := ks.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return ks, nil
}

func (ks *KnowledgeStore) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS knowledge_entries (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '',
			account_name TEXT NOT NULL DEFAULT '',
			indexed_at DATETIME NOT NULL
		);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
			title, content, tags,
			content='knowledge_entries', content_rowid='rowid'
		);`,
		`CREATE TRIGGER IF NOT EXISTS knowledge_ai AFTER INSERT ON knowledge_entries BEGIN
			INSERT INTO knowledge_fts(rowid, title, content, tags)
			VALUES (new.rowid, new.title, new.content, new.tags);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS knowledge_ad AFTER DELETE ON knowledge_entries BEGIN
			INSERT INTO knowledge_fts(knowledge_fts, rowid, title, content, tags)
			VALUES ('delete', old.rowid, old.title, old.content, old.tags);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS knowledge_au AFTER UPDATE ON knowledge_entries BEGIN
			INSERT INTO knowledge_fts(knowledge_fts, rowid, title, content, tags)
			VALUES ('delete', old.rowid, old.title, old.content, old.tags);
			INSERT INTO knowledge_fts(rowid, title, content, tags)
			VALUES (new.rowid, new.title, new.content, new.tags);
		END;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			account TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS links (
			id TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := ks.db.Exec(s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Index inserts or replaces a knowledge entry.
func (ks *KnowledgeStore) Index(ctx context.Context, e KnowledgeEntry) error {
	if e.IndexedAt.IsZero() {
		e.IndexedAt = time.Now().UTC()
	}
	_, err := ks.db.ExecContext(ctx, `
		INSERT INTO knowledge_entries (id, category, title, content, tags, account_name, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category=excluded.category, title=excluded.title, content=excluded.content,
			tags=excluded.tags, account_name=excluded.account_name, indexed_at=excluded.indexed_at`,
		e.ID, e.Category, e.Title, e.Content, e.Tags, e.AccountName,
		e.IndexedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// Search runs a sanitized full-text query. An empty sanitized query
// returns zero rows, never the whole corpus. category filters when
// non-empty; limit <= 0 defaults to 20.
func (ks *KnowledgeStore) Search(ctx context.Context, query, category string, limit int) ([]KnowledgeEntry, error) {
	match := SanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	q := `
		SELECT k.id, k.category, k.title, k.content, k.tags, k.account_name, k.indexed_at
		FROM knowledge_fts f
		JOIN knowledge_entries k ON k.rowid = f.rowid
		WHERE knowledge_fts MATCH ?`
	args := []any{match}
	if category != "" {
		q += ` AND k.category = ?`
		args = append(args, category)
	}
	q += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := ks.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []KnowledgeEntry
	for rows.Next() {
		var e KnowledgeEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.Category, &e.Title, &e.Content, &e.Tags, &e.AccountName, &ts); err != nil {
			return nil, err
		}
		e.IndexedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveSession upserts a named session.
func (ks *KnowledgeStore) SaveSession(ctx context.Context, s Session) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	created := s.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := ks.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, account, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, updated_at=excluded.updated_at`,
		s.ID, s.Name, s.Account, created.Format(time.RFC3339Nano), now)
	return err
}

// ListSessions returns an account's sessions, most recent first.
func (ks *KnowledgeStore) ListSessions(ctx context.Context, account string) ([]Session, error) {
	rows, err := ks.db.QueryContext(ctx, `
		SELECT id, name, account, created_at, updated_at
		FROM sessions WHERE account = ? ORDER BY updated_at DESC`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		var s Session
		var created, updated string
		if err := rows.Scan(&s.ID, &s.Name, &s.Account, &created, &updated); err != nil {
			return nil, err
		}
		s.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, s)
	}
	return out, rows.Err()
}

// AddLink stores an external reference.
func (ks *KnowledgeStore) AddLink(ctx context.Context, l Link) error {
	created := l.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := ks.db.ExecContext(ctx, `
		INSERT INTO links (id, account, url, title, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.Account, l.URL, l.Title, created.Format(time.RFC3339Nano))
	return err
}

// Close closes the underlying database.
func (ks *KnowledgeStore) Close() error {
	return ks.db.Close()
}

// SanitizeFTSQuery neutralizes FTS5 operator syntax: every
// whitespace-separated term is stripped of operator characters and
// quoted. Degenerate terms vanish; an all-degenerate query sanitizes
// to the empty string.
func SanitizeFTSQuery(query string) string {
	var terms []string
	for _, raw := range strings.Fields(query) {
		term := strings.Map(func(r rune) rune {
			switch r {
			case '"', '\'', '(', ')', '*', ':', '^', '-', '+', '~':
				return -1
			}
			return r
		}, raw)
		if term == "" {
			continue
		}
		terms = append(terms, `"`+term+`"`)
	}
	return strings.Join(terms, " ")
}
