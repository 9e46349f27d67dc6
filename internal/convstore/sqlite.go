package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nexuscore/nexuscore/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	root_event_id TEXT NOT NULL,
	phase TEXT NOT NULL DEFAULT 'chat'
);

CREATE TABLE IF NOT EXISTS conversation_events (
	conv_id TEXT NOT NULL,
	event_id TEXT PRIMARY KEY,
	author TEXT NOT NULL,
	kind INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	content TEXT NOT NULL,
	tags_json TEXT NOT NULL,
	sig TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_events_conv ON conversation_events(conv_id, created_at);

CREATE TABLE IF NOT EXISTS phase_log (
	conv_id TEXT NOT NULL,
	from_phase TEXT NOT NULL,
	to_phase TEXT NOT NULL,
	author TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_kv (
	conv_id TEXT NOT NULL,
	agent_slug TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	written_by TEXT NOT NULL,
	PRIMARY KEY (conv_id, agent_slug, key)
);

CREATE TABLE IF NOT EXISTS processed_events (
	event_id TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS delegations (
	id TEXT PRIMARY KEY,
	parent_ral_handle TEXT NOT NULL,
	child_conv_id TEXT NOT NULL,
	recipients_json TEXT NOT NULL,
	replies_json TEXT NOT NULL,
	phase_at_start TEXT NOT NULL,
	is_ask INTEGER NOT NULL,
	deadline INTEGER,
	status TEXT NOT NULL,
	request_event_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	slug TEXT PRIMARY KEY,
	definition_json TEXT NOT NULL
);
`

// SQLiteStore is the production ConversationStore, backed by
// modernc.org/sqlite (pure Go, cgo-free). Schema and query style are
// translated from a Postgres/CockroachDB dialect (UPSERT ... ON
// CONFLICT, RETURNING) to SQLite dialect.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates/migrates the schema at path and returns a ready Store.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.Wrap(core.ErrTypeExecution, err, "opening sqlite store at %s", path)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers at the connection level
	if _, err := db.Exec(schema); err != nil {
		return nil, core.Wrap(core.ErrTypeExecution, err, "applying sqlite schema")
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) LoadOrCreate(ctx context.Context, rootEventID string) (*core.Conversation, error) {
	c, err := s.Conversation(ctx, rootEventID)
	if err == nil {
		return c, nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, root_event_id, phase)
		VALUES (?, '', ?, 'chat')
		ON CONFLICT(id) DO NOTHING
	`, rootEventID, rootEventID)
	if err != nil {
		return nil, core.Wrap(core.ErrTypeExecution, err, "creating conversation %s", rootEventID)
	}
	return s.Conversation(ctx, rootEventID)
}

func (s *SQLiteStore) Conversation(ctx context.Context, convID string) (*core.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, root_event_id, phase FROM conversations WHERE id = ?`, convID)
	var c core.Conversation
	var phase string
	if err := row.Scan(&c.ID, &c.Title, &c.RootEventID, &phase); err != nil {
		return nil, core.Wrap(core.ErrTypeValidation, err, "loading conversation %s", convID)
	}
	c.Phase = core.Phase(phase)
	return &c, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, convID string, event *core.Event) error {
	tagsJSON, err := json.Marshal(event.Tags)
	if err != nil {
		return core.Wrap(core.ErrTypeValidation, err, "marshaling tags for event %s", event.ID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_events (conv_id, event_id, author, kind, created_at, content, tags_json, sig)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, convID, event.ID, event.PubKey, event.Kind, int64(event.CreatedAt), event.Content, string(tagsJSON), event.Sig)
	if err != nil {
		return core.Wrap(core.ErrTypeExecution, err, "appending event %s", event.ID)
	}
	return nil
}

func (s *SQLiteStore) SetPhase(ctx context.Context, convID string, newPhase core.Phase, authorPubkey, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Wrap(core.ErrTypeExecution, err, "beginning phase transition tx")
	}
	defer tx.Rollback()

	var from string
	if err := tx.QueryRowContext(ctx, `SELECT phase FROM conversations WHERE id = ?`, convID).Scan(&from); err != nil {
		return core.Wrap(core.ErrTypeValidation, err, "loading current phase for %s", convID)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET phase = ? WHERE id = ?`, string(newPhase), convID); err != nil {
		return core.Wrap(core.ErrTypeExecution, err, "updating phase for %s", convID)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO phase_log (conv_id, from_phase, to_phase, author, message, at) VALUES (?, ?, ?, ?, ?, ?)
	`, convID, from, string(newPhase), authorPubkey, message, time.Now().Unix()); err != nil {
		return core.Wrap(core.ErrTypeExecution, err, "logging phase transition for %s", convID)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetTitle(ctx context.Context, convID, title string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, convID)
	if err != nil {
		return core.Wrap(core.ErrTypeExecution, err, "setting title for %s", convID)
	}
	return nil
}

func (s *SQLiteStore) KVGet(ctx context.Context, convID, agentSlug, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM agent_kv WHERE conv_id = ? AND agent_slug = ? AND key = ?
	`, convID, agentSlug, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, core.Wrap(core.ErrTypeExecution, err, "reading kv %s/%s/%s", convID, agentSlug, key)
	}
	return value, true, nil
}

func (s *SQLiteStore) KVSet(ctx context.Context, convID, agentSlug, key, value string) error {
	var writtenBy string
	err := s.db.QueryRowContext(ctx, `
		SELECT written_by FROM agent_kv WHERE conv_id = ? AND agent_slug = ? AND key = ?
	`, convID, agentSlug, key).Scan(&writtenBy)
	if err != nil && err != sql.ErrNoRows {
		return core.Wrap(core.ErrTypeExecution, err, "checking kv owner for %s/%s/%s", convID, agentSlug, key)
	}
	if err == nil && writtenBy != agentSlug {
		return core.ErrNotOwner
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_kv (conv_id, agent_slug, key, value, written_by) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conv_id, agent_slug, key) DO UPDATE SET value = excluded.value, written_by = excluded.written_by
	`, convID, agentSlug, key, value, agentSlug)
	if err != nil {
		return core.Wrap(core.ErrTypeExecution, err, "writing kv %s/%s/%s", convID, agentSlug, key)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, convID string) ([]*core.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, author, kind, created_at, content, tags_json, sig
		FROM conversation_events WHERE conv_id = ? ORDER BY created_at ASC, event_id ASC
	`, convID)
	if err != nil {
		return nil, core.Wrap(core.ErrTypeExecution, err, "loading history for %s", convID)
	}
	defer rows.Close()

	var out []*core.Event
	for rows.Next() {
		var e core.Event
		var createdAt int64
		var tagsJSON string
		if err := rows.Scan(&e.ID, &e.PubKey, &e.Kind, &createdAt, &e.Content, &tagsJSON, &e.Sig); err != nil {
			return nil, core.Wrap(core.ErrTypeExecution, err, "scanning event row")
		}
		e.CreatedAt = core.Timestamp(createdAt)
		if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
			return nil, core.Wrap(core.ErrTypeExecution, err, "unmarshaling tags for event %s", e.ID)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ConversationIDForEvent(ctx context.Context, eventID string) (string, bool, error) {
	var convID string
	err := s.db.QueryRowContext(ctx, `SELECT conv_id FROM conversation_events WHERE event_id = ?`, eventID).Scan(&convID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, core.Wrap(core.ErrTypeExecution, err, "looking up conversation for event %s", eventID)
	}
	return convID, true, nil
}

func (s *SQLiteStore) ThreadTo(ctx context.Context, convID, eventID string) ([]*core.Event, error) {
	history, err := s.History(ctx, convID)
	if err != nil {
		return nil, err
	}
	conv, err := s.Conversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	return threadWalk(history, conv.RootEventID, eventID)
}

func (s *SQLiteStore) PhaseLog(ctx context.Context, convID string) ([]core.PhaseTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_phase, to_phase, author, message, at FROM phase_log WHERE conv_id = ? ORDER BY at ASC
	`, convID)
	if err != nil {
		return nil, core.Wrap(core.ErrTypeExecution, err, "loading phase log for %s", convID)
	}
	defer rows.Close()

	var out []core.PhaseTransition
	for rows.Next() {
		var t core.PhaseTransition
		var from, to string
		var at int64
		if err := rows.Scan(&from, &to, &t.Author, &t.Message, &at); err != nil {
			return nil, core.Wrap(core.ErrTypeExecution, err, "scanning phase log row")
		}
		t.From, t.To = core.Phase(from), core.Phase(to)
		t.At = time.Unix(at, 0)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) HasSeen(ctx context.Context, eventID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT event_id FROM processed_events WHERE event_id = ?`, eventID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, core.Wrap(core.ErrTypeExecution, err, "checking processed_events for %s", eventID)
	}
	return true, nil
}

func (s *SQLiteStore) MarkSeen(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO processed_events (event_id) VALUES (?) ON CONFLICT(event_id) DO NOTHING`, eventID)
	if err != nil {
		return core.Wrap(core.ErrTypeExecution, err, "marking %s seen", eventID)
	}
	return nil
}

func (s *SQLiteStore) SaveDelegation(ctx context.Context, rec *core.DelegationRecord) error {
	recipientsJSON, _ := json.Marshal(rec.Recipients)
	repliesJSON, err := marshalReplies(rec.Replies)
	if err != nil {
		return core.Wrap(core.ErrTypeExecution, err, "marshaling delegation replies")
	}
	var deadline sql.NullInt64
	if rec.Deadline != nil {
		deadline = sql.NullInt64{Int64: rec.Deadline.Unix(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delegations (id, parent_ral_handle, child_conv_id, recipients_json, replies_json, phase_at_start, is_ask, deadline, status, request_event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			replies_json = excluded.replies_json, status = excluded.status, deadline = excluded.deadline
	`, rec.ID, rec.ParentRALHandle, rec.ChildConvID, string(recipientsJSON), string(repliesJSON),
		string(rec.PhaseAtStart), boolToInt(rec.IsAsk), deadline, string(rec.Status), rec.RequestEventID, rec.CreatedAt.Unix())
	if err != nil {
		return core.Wrap(core.ErrTypeExecution, err, "saving delegation %s", rec.ID)
	}
	return nil
}

func (s *SQLiteStore) LoadDelegation(ctx context.Context, id string) (*core.DelegationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_ral_handle, child_conv_id, recipients_json, replies_json, phase_at_start, is_ask, deadline, status, request_event_id, created_at
		FROM delegations WHERE id = ?
	`, id)
	return scanDelegation(row)
}

func (s *SQLiteStore) PendingDelegations(ctx context.Context, convID string) ([]*core.DelegationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_ral_handle, child_conv_id, recipients_json, replies_json, phase_at_start, is_ask, deadline, status, request_event_id, created_at
		FROM delegations WHERE child_conv_id = ? AND status = 'pending'
	`, convID)
	if err != nil {
		return nil, core.Wrap(core.ErrTypeExecution, err, "loading pending delegations for %s", convID)
	}
	defer rows.Close()
	var out []*core.DelegationRecord
	for rows.Next() {
		rec, err := scanDelegationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDelegation(row scannable) (*core.DelegationRecord, error) {
	return scanDelegationRow(row)
}

func scanDelegationRow(row scannable) (*core.DelegationRecord, error) {
	var rec core.DelegationRecord
	var recipientsJSON, repliesJSON, phase, status string
	var isAsk int
	var deadline sql.NullInt64
	var createdAt int64
	if err := row.Scan(&rec.ID, &rec.ParentRALHandle, &rec.ChildConvID, &recipientsJSON, &repliesJSON,
		&phase, &isAsk, &deadline, &status, &rec.RequestEventID, &createdAt); err != nil {
		return nil, core.Wrap(core.ErrTypeValidation, err, "scanning delegation row")
	}
	_ = json.Unmarshal([]byte(recipientsJSON), &rec.Recipients)
	replies, err := unmarshalReplies(repliesJSON)
	if err != nil {
		return nil, core.Wrap(core.ErrTypeExecution, err, "unmarshaling delegation replies")
	}
	rec.Replies = replies
	rec.PhaseAtStart = core.Phase(phase)
	rec.IsAsk = isAsk != 0
	rec.Status = core.DelegationStatus(status)
	rec.CreatedAt = time.Unix(createdAt, 0)
	if deadline.Valid {
		d := time.Unix(deadline.Int64, 0)
		rec.Deadline = &d
	}
	return &rec, nil
}

func marshalReplies(replies map[string]*core.Event) ([]byte, error) {
	return json.Marshal(replies)
}

func unmarshalReplies(data string) (map[string]*core.Event, error) {
	out := make(map[string]*core.Event)
	if data == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
