// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Runs an in-process :memory: database so nothing outlives the process

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so that lexical ORDER BY matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface on an in-memory SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    Clock

	// mu serializes writers so seq allocation and inserts stay in step
	mu      sync.Mutex
	convSeq int64
	msgSeq  int64
}

// NewSQLiteStore opens an in-memory SQLite database, creates the schema and loads seed.
func NewSQLiteStore(seed *Seed, opts ...Option) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")
	o := buildOptions(opts)

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every new connection to :memory: is a fresh database, so pin to one.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    o.now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if seed != nil {
		if err := s.load(seed); err != nil {
			db.Close()
			return nil, fmt.Errorf("loading seed: %w", err)
		}
	}

	logger.Info("SQLite store initialized", "conversations", s.convSeq, "messages", s.msgSeq)
	return s, nil
}

// createSchema creates the database tables
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			seq           INTEGER PRIMARY KEY,
			id            TEXT NOT NULL UNIQUE,
			user_id       TEXT NOT NULL,
			agent_id      TEXT,
			status        TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			last_activity TEXT,
			metadata_json TEXT NOT NULL DEFAULT '{}',

			CHECK (status IN ('waiting', 'active', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender          TEXT NOT NULL,
			content         TEXT NOT NULL,
			timestamp       TEXT NOT NULL,
			type            TEXT NOT NULL DEFAULT 'text',
			is_read         INTEGER NOT NULL DEFAULT 0,

			CHECK (sender IN ('user', 'bot', 'agent')),
			CHECK (type IN ('text', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// load inserts seed records in one transaction.
func (s *SQLiteStore) load(seed *Seed) error {
	if err := seed.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range seed.Conversations {
		conv := copyConversation(c)
		if conv.Status == "" {
			conv.Status = StatusWaiting
		}
		if conv.Seq == 0 {
			conv.Seq = s.convSeq + 1
		}
		if conv.Seq > s.convSeq {
			s.convSeq = conv.Seq
		}
		if conv.LastActivity == nil && len(c.Messages) > 0 {
			last := c.Messages[len(c.Messages)-1].Timestamp
			conv.LastActivity = &last
		}
		if err := insertConversation(tx, conv); err != nil {
			return err
		}

		for _, m := range c.Messages {
			msg := *m
			msg.ConversationID = conv.ID
			if msg.Type == "" {
				msg.Type = MessageTypeText
			}
			if msg.Seq == 0 {
				msg.Seq = s.msgSeq + 1
			}
			if msg.Seq > s.msgSeq {
				s.msgSeq = msg.Seq
			}
			if err := insertMessage(tx, &msg); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv NewConversation) (*Conversation, error) {
	if err := validateNewConversation(&conv); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	seq := s.convSeq + 1
	c := &Conversation{
		ID:        conversationID(now, seq),
		Seq:       seq,
		UserID:    conv.UserID,
		AgentID:   conv.AgentID,
		Status:    conv.Status,
		CreatedAt: now,
		Metadata:  copyMetadata(conv.Metadata),
	}
	if err := insertConversation(s.db, c); err != nil {
		return nil, err
	}
	s.convSeq = seq

	s.logger.Debug("created conversation", "id", c.ID, "user_id", c.UserID)
	result := copyConversation(c)
	result.Messages = []*Message{}
	return result, nil
}

// GetConversation retrieves a conversation with its messages.
// Returns a NotFoundError if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := s.getConversation(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	conv.Messages, err = s.listMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations returns conversations newest first with their messages.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ListFilter) ([]*Conversation, error) {
	query := `
		SELECT seq, id, user_id, agent_id, status, created_at, last_activity, metadata_json
		FROM conversations
		ORDER BY created_at DESC, seq DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	var convs []*Conversation
	byID := make(map[string]*Conversation)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		conv.Messages = []*Message{}
		convs = append(convs, conv)
		byID[conv.ID] = conv
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	rows.Close()

	// Single connection: finish the first cursor before opening the second.
	msgRows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, conversation_id, sender, content, timestamp, type, is_read
		FROM messages
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		msg, err := scanMessage(msgRows)
		if err != nil {
			return nil, err
		}
		if conv, ok := byID[msg.ConversationID]; ok {
			conv.Messages = append(conv.Messages, msg)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	result := make([]*Conversation, 0, len(convs))
	for _, conv := range convs {
		if matchesFilter(conv, filter) {
			result = append(result, conv)
		}
	}
	return result, nil
}

// UpdateConversation merges patch into an existing conversation.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, patch Patch) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	conv, err := s.getConversation(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := applyPatch(conv, patch); err != nil {
		return nil, err
	}

	metadataJSON, err := json.Marshal(conv.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET user_id = ?, agent_id = ?, status = ?, metadata_json = ?
		WHERE id = ?
	`, conv.UserID, nullString(conv.AgentID), string(conv.Status), string(metadataJSON), id)
	if err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing update: %w", err)
	}

	s.logger.Debug("updated conversation", "id", id, "status", conv.Status)
	return s.GetConversation(ctx, id)
}

// DeleteConversation removes a conversation; messages go with it via ON DELETE CASCADE.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return conversationNotFound(id)
	}

	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// AppendMessage inserts the message and bumps last_activity in one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg NewMessage) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if err := validateNewMessage(&msg, now); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, msg.ConversationID).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, conversationNotFound(msg.ConversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	if msg.RequireOpen && Status(status) == StatusClosed {
		return nil, fmt.Errorf("%w: %s", ErrConversationClosed, msg.ConversationID)
	}

	seq := s.msgSeq + 1
	stored := &Message{
		ID:             messageID(now, seq),
		Seq:            seq,
		ConversationID: msg.ConversationID,
		Sender:         msg.Sender,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		Type:           msg.Type,
	}
	if err := insertMessage(tx, stored); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE conversations SET last_activity = ? WHERE id = ?`,
		formatTime(stored.Timestamp), msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("updating last activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}
	s.msgSeq = seq

	return stored, nil
}

// ListMessages returns a conversation's messages in append order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	if _, err := s.getConversation(ctx, s.db, conversationID); err != nil {
		return nil, err
	}
	return s.listMessages(ctx, conversationID)
}

// MarkRead flags matching unread messages as read and returns how many changed.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID string, pred ReadPredicate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getConversation(ctx, s.db, conversationID); err != nil {
		return 0, err
	}

	msgs, err := s.listMessages(ctx, conversationID)
	if err != nil {
		return 0, err
	}

	var ids []string
	for _, msg := range msgs {
		if !msg.IsRead && (pred == nil || pred(msg)) {
			ids = append(ids, msg.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("marking message read: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing read marks: %w", err)
	}
	return len(ids), nil
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) getConversation(ctx context.Context, q queryer, id string) (*Conversation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT seq, id, user_id, agent_id, status, created_at, last_activity, metadata_json
		FROM conversations
		WHERE id = ?
	`, id)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, conversationNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLiteStore) listMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, conversation_id, sender, content, timestamp, type, is_read
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

func insertConversation(e execer, c *Conversation) error {
	metadataJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	var lastActivity sql.NullString
	if c.LastActivity != nil {
		lastActivity = sql.NullString{String: formatTime(*c.LastActivity), Valid: true}
	}

	_, err = e.Exec(`
		INSERT INTO conversations (seq, id, user_id, agent_id, status, created_at, last_activity, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.Seq,
		c.ID,
		c.UserID,
		nullString(c.AgentID),
		string(c.Status),
		formatTime(c.CreatedAt),
		lastActivity,
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func insertMessage(e execer, m *Message) error {
	_, err := e.Exec(`
		INSERT INTO messages (seq, id, conversation_id, sender, content, timestamp, type, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.Seq,
		m.ID,
		m.ConversationID,
		string(m.Sender),
		m.Content,
		formatTime(m.Timestamp),
		string(m.Type),
		boolToInt(m.IsRead),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var agentID, lastActivity sql.NullString
	var status, createdAt, metadataJSON string

	err := row.Scan(
		&conv.Seq,
		&conv.ID,
		&conv.UserID,
		&agentID,
		&status,
		&createdAt,
		&lastActivity,
		&metadataJSON,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.Status = Status(status)
	if agentID.Valid {
		id := agentID.String
		conv.AgentID = &id
	}

	conv.CreatedAt, err = time.Parse(timeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastActivity.Valid {
		t, err := time.Parse(timeFormat, lastActivity.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_activity: %w", err)
		}
		conv.LastActivity = &t
	}

	conv.Metadata = map[string]any{}
	if err := json.Unmarshal([]byte(metadataJSON), &conv.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if conv.Metadata == nil {
		conv.Metadata = map[string]any{}
	}
	return &conv, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var sender, timestamp, msgType string

	err := row.Scan(
		&msg.Seq,
		&msg.ID,
		&msg.ConversationID,
		&sender,
		&msg.Content,
		&timestamp,
		&msgType,
		&msg.IsRead,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.Sender = Sender(sender)
	msg.Type = MessageType(msgType)
	msg.Timestamp, err = time.Parse(timeFormat, timestamp)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &msg, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
