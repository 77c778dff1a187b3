// Package brain provides access to Aria's persistent per-user state.
//
// It owns a single SQLite database (state.db) holding the append-only
// interaction log, per-user last-seen timestamps, learned facts, and
// personality profiles. The brain is Aria's continuity: everything a
// turn needs is rehydrated from here, nothing authoritative lives in
// process memory between turns.
package brain

import (
	"crypto/md5"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// Brain provides access to Aria's persistent memory.
type Brain struct {
	db   *sql.DB
	path string // root brain directory

	// Per-user locks serialize read-then-write sequences (last-seen,
	// personality) so concurrent turns for the same user cannot clobber
	// each other. Fact upserts are single statements and need no lock.
	userLocks sync.Map // user_id → *sync.Mutex
}

// Stats holds brain statistics.
type Stats struct {
	Exchanges     int
	UsersSeen     int
	Facts         int
	Personalities int
}

// Exchange is one completed (user message, bot response) pair.
type Exchange struct {
	ID          int64
	UserID      string
	UserMessage string
	BotResponse string
	CreatedAt   time.Time
}

// Open opens (or creates) a brain at the given directory path.
func Open(path string) (*Brain, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create brain dir: %w", err)
	}
	dbPath := filepath.Join(path, "state.db")

	// WAL for concurrent readers, busy timeout so concurrent turns queue
	// on the single writer instead of failing.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open brain db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping brain db: %w", err)
	}

	return &Brain{db: db, path: path}, nil
}

// Init creates the schema. Idempotent, safe to call at every process start.
func (b *Brain) Init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS interactions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id      TEXT NOT NULL,
			user_message TEXT NOT NULL,
			bot_response TEXT NOT NULL,
			created_at   TEXT NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS interactions_fts USING fts5(
			user_message, bot_response,
			content='interactions', content_rowid='id'
		)`,
		`CREATE TABLE IF NOT EXISTS last_seen (
			user_id             TEXT PRIMARY KEY,
			last_interaction_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS facts (
			user_id    TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS personality (
			user_id    TEXT PRIMARY KEY,
			traits     TEXT NOT NULL,
			quirks     TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id, id)`,
	}
	for _, s := range stmts {
		if _, err := b.db.Exec(s); err != nil {
			return fmt.Errorf("init brain schema: %w", err)
		}
	}

	stats := b.Stats()
	slog.Info("brain ready",
		"path", b.path,
		"exchanges", stats.Exchanges,
		"users", stats.UsersSeen,
		"facts", stats.Facts,
	)
	return nil
}

// Close closes the brain database.
func (b *Brain) Close() error {
	return b.db.Close()
}

// Path returns the brain root directory.
func (b *Brain) Path() string {
	return b.path
}

// Stats returns counts for all brain tables.
func (b *Brain) Stats() Stats {
	var s Stats
	b.db.QueryRow("SELECT COUNT(*) FROM interactions").Scan(&s.Exchanges)
	b.db.QueryRow("SELECT COUNT(*) FROM last_seen").Scan(&s.UsersSeen)
	b.db.QueryRow("SELECT COUNT(*) FROM facts").Scan(&s.Facts)
	b.db.QueryRow("SELECT COUNT(*) FROM personality").Scan(&s.Personalities)
	return s
}

// userLock returns the mutex guarding per-user read-then-write sequences.
func (b *Brain) userLock(userID string) *sync.Mutex {
	mu, _ := b.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// --- Last-seen bookkeeping ---

// LastInteraction returns the stored last-interaction time for a user.
// The second return is false if the user has never been seen.
func (b *Brain) LastInteraction(userID string) (time.Time, bool, error) {
	var raw string
	err := b.db.QueryRow(
		"SELECT last_interaction_at FROM last_seen WHERE user_id = ?", userID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get last interaction: %w", err)
	}
	return parseTime(raw), true, nil
}

// TouchLastSeen reads the previous last-interaction time for a user and
// overwrites it with the current time, as one atomic step. Returns the
// previous time and whether the user had been seen before.
func (b *Brain) TouchLastSeen(userID string) (time.Time, bool, error) {
	mu := b.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := b.db.Begin()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("begin last-seen tx: %w", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRow(
		"SELECT last_interaction_at FROM last_seen WHERE user_id = ?", userID,
	).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return time.Time{}, false, fmt.Errorf("read last seen: %w", err)
	}
	seen := err == nil && raw.Valid

	now := time.Now().UTC().Format(timeLayout)
	if _, err := tx.Exec(
		`INSERT INTO last_seen (user_id, last_interaction_at) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET last_interaction_at = excluded.last_interaction_at`,
		userID, now,
	); err != nil {
		return time.Time{}, false, fmt.Errorf("update last seen: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, false, fmt.Errorf("commit last-seen tx: %w", err)
	}

	if !seen {
		return time.Time{}, false, nil
	}
	return parseTime(raw.String), true, nil
}

// --- Exchange log ---

// SaveExchange appends a completed exchange to the interaction log.
func (b *Brain) SaveExchange(userID, userMessage, botResponse string) (int64, error) {
	mu := b.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)

	tx, err := b.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin exchange tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`INSERT INTO interactions (user_id, user_message, bot_response, created_at)
		 VALUES (?, ?, ?, ?)`,
		userID, userMessage, botResponse, now,
	)
	if err != nil {
		return 0, fmt.Errorf("save exchange: %w", err)
	}
	id, _ := result.LastInsertId()

	if _, err := tx.Exec(
		`INSERT INTO interactions_fts (rowid, user_message, bot_response) VALUES (?, ?, ?)`,
		id, userMessage, botResponse,
	); err != nil {
		return 0, fmt.Errorf("index exchange: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit exchange tx: %w", err)
	}

	slog.Debug("exchange saved", "id", id, "user", userID)
	return id, nil
}

// Recall retrieves past exchanges relevant to a query using FTS5 keyword
// match. Ordering is deterministic for a fixed store: best match first,
// ties broken by newest exchange.
func (b *Brain) Recall(query string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 5
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := b.db.Query(
		`SELECT m.id, m.user_id, m.user_message, m.bot_response, m.created_at
		 FROM interactions m
		 JOIN interactions_fts fts ON m.id = fts.rowid
		 WHERE interactions_fts MATCH ?
		 ORDER BY fts.rank, m.id DESC
		 LIMIT ?`,
		match, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recall exchanges: %w", err)
	}
	defer rows.Close()

	return scanExchanges(rows)
}

// History returns the most recent exchanges in chronological order.
// A limit <= 0 returns the full log.
func (b *Brain) History(limit int) ([]Exchange, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = b.db.Query(
			`SELECT id, user_id, user_message, bot_response, created_at FROM
			 (SELECT * FROM interactions ORDER BY id DESC LIMIT ?) ORDER BY id`, limit)
	} else {
		rows, err = b.db.Query(
			`SELECT id, user_id, user_message, bot_response, created_at
			 FROM interactions ORDER BY id`)
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	return scanExchanges(rows)
}

// ExchangeRef is a lightweight reference to an exchange for embedding sync.
type ExchangeRef struct {
	ID          int64
	ContentHash string // MD5 of content for staleness detection
}

// ExchangeRefs returns all exchange IDs with content hashes. Used by the
// embedding sync worker to detect un-embedded exchanges.
func (b *Brain) ExchangeRefs() ([]ExchangeRef, error) {
	rows, err := b.db.Query("SELECT id, user_message, bot_response FROM interactions")
	if err != nil {
		return nil, fmt.Errorf("get exchange refs: %w", err)
	}
	defer rows.Close()

	var refs []ExchangeRef
	for rows.Next() {
		var id int64
		var userMsg, botResp string
		if err := rows.Scan(&id, &userMsg, &botResp); err != nil {
			return nil, fmt.Errorf("scan exchange ref: %w", err)
		}
		refs = append(refs, ExchangeRef{
			ID:          id,
			ContentHash: fmt.Sprintf("%x", md5.Sum([]byte(userMsg+"\n"+botResp))),
		})
	}
	return refs, rows.Err()
}

// GetExchangesByIDs fetches full exchanges for a list of IDs, newest first.
func (b *Brain) GetExchangesByIDs(ids []int64) ([]Exchange, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}

	query := fmt.Sprintf(
		`SELECT id, user_id, user_message, bot_response, created_at
		 FROM interactions WHERE id IN (%s) ORDER BY id DESC`, string(placeholders))

	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get exchanges by ids: %w", err)
	}
	defer rows.Close()

	return scanExchanges(rows)
}

// --- Helpers ---

func scanExchanges(rows *sql.Rows) ([]Exchange, error) {
	var exchanges []Exchange
	for rows.Next() {
		var e Exchange
		var createdAt string
		if err := rows.Scan(&e.ID, &e.UserID, &e.UserMessage, &e.BotResponse, &createdAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		exchanges = append(exchanges, e)
	}
	return exchanges, rows.Err()
}

var ftsToken = regexp.MustCompile(`[a-zA-Z0-9]+`)

// ftsQuery turns free text into a safe FTS5 OR query. Tokens are quoted so
// user input can never inject FTS syntax.
func ftsQuery(text string) string {
	tokens := ftsToken.FindAllString(text, 12)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

// parseTime parses a datetime string from SQLite, handling the formats
// different drivers and older rows may have used.
func parseTime(s string) time.Time {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z07:00",
		timeLayout,
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
