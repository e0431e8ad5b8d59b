// Package persistence is the durable session store. One row per session,
// an append-only tool-result log, and a bounded transcript excerpt, all in
// a single sqlite database owned by the daemon.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "parla-v1-2026-07-03-session-store"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("session not found")

// Session end reasons persisted with the record.
const (
	ReasonEndCall       = "end_call"
	ReasonTimeLimit     = "time_limit"
	ReasonResponseLimit = "response_limit"
	ReasonSocketClosed  = "socket_closed"
	ReasonUpstreamError = "upstream_error"
)

// Stats are the monotonic per-session counters.
type Stats struct {
	AudioChunksIn    int64 `json:"audio_chunks_in"`
	AudioChunksOut   int64 `json:"audio_chunks_out"`
	ToolCalls        int64 `json:"tool_calls"`
	ResponsesCreated int64 `json:"responses_created"`
}

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	SessionID       string     `json:"session_id"`
	ScenarioID      string     `json:"scenario_id,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	Completed       bool       `json:"completed"`
	CompletionScore *float64   `json:"completion_score"`
	CompletedAt     *time.Time `json:"completed_at"`
	Stats           Stats      `json:"stats"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ToolResultEntry is one row of the append-only tool-result log.
type ToolResultEntry struct {
	ID     int64           `json:"id"`
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result"`
	At     time.Time       `json:"at"`
}

// TranscriptEntry is one line of the bounded transcript excerpt.
type TranscriptEntry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Progress is the write-once completion state.
type Progress struct {
	Completed       bool       `json:"completed"`
	CompletionScore *float64   `json:"completion_score"`
	CompletedAt     *time.Time `json:"completed_at"`
}

// Summary is the read-only snapshot returned by the summary query.
type Summary struct {
	SessionID   string            `json:"session_id"`
	ScenarioID  string            `json:"scenario_id,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	EndReason   string            `json:"end_reason,omitempty"`
	Stats       Stats             `json:"stats"`
	Progress    Progress          `json:"progress"`
	ToolResults []ToolResultEntry `json:"tool_results"`
	Transcript  []TranscriptEntry `json:"transcript"`
	LatestGrade *ToolResultEntry  `json:"latest_grade,omitempty"`
	LatestQuiz  *ToolResultEntry  `json:"latest_quiz,omitempty"`
}

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".parla", "parla.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS schema_ledger (
	version INTEGER PRIMARY KEY,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	scenario_id TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	end_reason TEXT NOT NULL DEFAULT '',
	completed INTEGER NOT NULL DEFAULT 0,
	completion_score REAL,
	completed_at TIMESTAMP,
	audio_chunks_in INTEGER NOT NULL DEFAULT 0,
	audio_chunks_out INTEGER NOT NULL DEFAULT 0,
	tool_calls INTEGER NOT NULL DEFAULT 0,
	responses_created INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
	tool_name TEXT NOT NULL,
	result TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_results_session ON tool_results(session_id, id);

CREATE TABLE IF NOT EXISTS transcripts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id, id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return s.verifyLedger(ctx)
}

// verifyLedger gates startup on the schema version: an unknown or
// mismatched ledger entry means the database was written by an
// incompatible build, and we refuse to touch it.
func (s *Store) verifyLedger(ctx context.Context) error {
	var version int
	var checksum string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, checksum FROM schema_ledger ORDER BY version DESC LIMIT 1;`,
	).Scan(&version, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO schema_ledger (version, checksum) VALUES (?, ?);`,
			schemaVersionLatest, schemaChecksumLatest)
		if err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schema ledger: %w", err)
	}
	if version != schemaVersionLatest || checksum != schemaChecksumLatest {
		return fmt.Errorf("schema mismatch: db has v%d (%s), binary expects v%d (%s)",
			version, checksum, schemaVersionLatest, schemaChecksumLatest)
	}
	return nil
}

// CreateSession inserts a fresh session row. Idempotent per session id.
func (s *Store) CreateSession(ctx context.Context, sessionID, scenarioID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, scenario_id, started_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING;
	`, sessionID, scenarioID, now, now)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// SetScenario records the scenario chosen in the client hello.
func (s *Store) SetScenario(ctx context.Context, sessionID, scenarioID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET scenario_id = ?, updated_at = ? WHERE session_id = ?;
	`, scenarioID, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("set scenario: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// AppendToolResult appends one entry to the tool-result log. Entries are
// never mutated once written.
func (s *Store) AppendToolResult(ctx context.Context, sessionID, toolName string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_results (session_id, tool_name, result, created_at)
		VALUES (?, ?, ?, ?);
	`, sessionID, toolName, string(result), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append tool result: %w", err)
	}
	return nil
}

// HasToolResult reports whether any entry exists for the named tool.
func (s *Store) HasToolResult(ctx context.Context, sessionID, toolName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tool_results WHERE session_id = ? AND tool_name = ?;
	`, sessionID, toolName).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count tool results: %w", err)
	}
	return n > 0, nil
}

// LatestToolResult returns the most recent entry for the named tool, or
// ErrNotFound when the tool never ran.
func (s *Store) LatestToolResult(ctx context.Context, sessionID, toolName string) (*ToolResultEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tool_name, result, created_at FROM tool_results
		WHERE session_id = ? AND tool_name = ?
		ORDER BY id DESC LIMIT 1;
	`, sessionID, toolName)
	entry, err := scanToolResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest tool result: %w", err)
	}
	return entry, nil
}

// ListToolResults returns the full tool-result log in execution order.
func (s *Store) ListToolResults(ctx context.Context, sessionID string) ([]ToolResultEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_name, result, created_at FROM tool_results
		WHERE session_id = ? ORDER BY id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tool results: %w", err)
	}
	defer rows.Close()

	var entries []ToolResultEntry
	for rows.Next() {
		entry, err := scanToolResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool result: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToolResult(row rowScanner) (*ToolResultEntry, error) {
	var entry ToolResultEntry
	var result string
	if err := row.Scan(&entry.ID, &entry.Name, &result, &entry.At); err != nil {
		return nil, err
	}
	entry.Result = json.RawMessage(result)
	return &entry, nil
}

// AppendTranscript appends one transcript line and trims the excerpt to
// the most recent maxEntries rows. Older lines are dropped, not archived.
func (s *Store) AppendTranscript(ctx context.Context, sessionID, role, text string, maxEntries int) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transcript tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transcripts (session_id, role, content, created_at)
		VALUES (?, ?, ?, ?);
	`, sessionID, role, text, now); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	if maxEntries > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM transcripts WHERE session_id = ? AND id NOT IN (
				SELECT id FROM transcripts WHERE session_id = ?
				ORDER BY id DESC LIMIT ?
			);
		`, sessionID, sessionID, maxEntries); err != nil {
			return fmt.Errorf("trim transcript: %w", err)
		}
	}
	return tx.Commit()
}

// ListTranscript returns the retained transcript excerpt in order.
func (s *Store) ListTranscript(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM transcripts
		WHERE session_id = ? ORDER BY id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}
	defer rows.Close()

	var entries []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		if err := rows.Scan(&e.Role, &e.Text, &e.At); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateStats persists the current counter snapshot. Counters only grow,
// so a plain overwrite is safe under the single-writer rule.
func (s *Store) UpdateStats(ctx context.Context, sessionID string, st Stats) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			audio_chunks_in = ?, audio_chunks_out = ?,
			tool_calls = ?, responses_created = ?, updated_at = ?
		WHERE session_id = ?;
	`, st.AudioChunksIn, st.AudioChunksOut, st.ToolCalls, st.ResponsesCreated,
		time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("update stats: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// FinishSession stamps the end of the session. A second call keeps the
// first reason (termination is idempotent).
func (s *Store) FinishSession(ctx context.Context, sessionID, reason string, st Stats) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			ended_at = COALESCE(ended_at, ?),
			end_reason = CASE WHEN end_reason = '' THEN ? ELSE end_reason END,
			audio_chunks_in = ?, audio_chunks_out = ?,
			tool_calls = ?, responses_created = ?, updated_at = ?
		WHERE session_id = ?;
	`, now, reason, st.AudioChunksIn, st.AudioChunksOut, st.ToolCalls,
		st.ResponsesCreated, now, sessionID)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// SetProgress marks the session completed. Write-once: a completed session
// keeps its original score and timestamp.
func (s *Store) SetProgress(ctx context.Context, sessionID string, score *float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET completed = 1, completion_score = ?, completed_at = ?, updated_at = ?
		WHERE session_id = ? AND completed = 0;
	`, score, time.Now().UTC(), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	// Zero rows here can mean "already completed", which is fine.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM sessions WHERE session_id = ?;`, sessionID,
		).Scan(&exists); err == nil && exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// GetSession returns the session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, scenario_id, started_at, ended_at, end_reason,
			completed, completion_score, completed_at,
			audio_chunks_in, audio_chunks_out, tool_calls, responses_created,
			updated_at
		FROM sessions WHERE session_id = ?;
	`, sessionID)

	var rec SessionRecord
	var completed int
	err := row.Scan(&rec.SessionID, &rec.ScenarioID, &rec.StartedAt, &rec.EndedAt,
		&rec.EndReason, &completed, &rec.CompletionScore, &rec.CompletedAt,
		&rec.Stats.AudioChunksIn, &rec.Stats.AudioChunksOut,
		&rec.Stats.ToolCalls, &rec.Stats.ResponsesCreated, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	rec.Completed = completed != 0
	return &rec, nil
}

// Summarize assembles the read-only snapshot for the summary endpoint.
// gradeTool and quizTool select the latest matching entries from the log.
func (s *Store) Summarize(ctx context.Context, sessionID, gradeTool, quizTool string) (*Summary, error) {
	rec, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	results, err := s.ListToolResults(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	transcript, err := s.ListTranscript(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		SessionID:  rec.SessionID,
		ScenarioID: rec.ScenarioID,
		StartedAt:  rec.StartedAt,
		EndedAt:    rec.EndedAt,
		EndReason:  rec.EndReason,
		Stats:      rec.Stats,
		Progress: Progress{
			Completed:       rec.Completed,
			CompletionScore: rec.CompletionScore,
			CompletedAt:     rec.CompletedAt,
		},
		ToolResults: results,
		Transcript:  transcript,
	}
	// Last-write-wins over the append-only log.
	for i := range results {
		switch results[i].Name {
		case gradeTool:
			sum.LatestGrade = &results[i]
		case quizTool:
			sum.LatestQuiz = &results[i]
		}
	}
	return sum, nil
}

// CountSessions returns total and currently-open session counts.
func (s *Store) CountSessions(ctx context.Context) (total, open int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0)
		FROM sessions;
	`).Scan(&total, &open)
	if err != nil {
		return 0, 0, fmt.Errorf("count sessions: %w", err)
	}
	return total, open, nil
}

// PurgeSessionsBefore deletes finished sessions that ended before the
// cutoff, cascading to their tool results and transcripts.
func (s *Store) PurgeSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?;
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
