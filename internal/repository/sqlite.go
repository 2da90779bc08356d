package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/xiaot623/difychat/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store and applies migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withForeignKeys(dsn))
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return store, nil
}

func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS chatbots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			dify_chatbot_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			description TEXT,
			prompt TEXT,
			icon TEXT,
			provider TEXT,
			model_name TEXT,
			mode TEXT NOT NULL DEFAULT 'chat',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chatbots_user ON chatbots(user_id)`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			chatbot_id INTEGER NOT NULL,
			start_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_chatbot ON chat_sessions(chatbot_id, user_id, id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}

	return s.ensureColumn("chatbots", "mode",
		`ALTER TABLE chatbots ADD COLUMN mode TEXT NOT NULL DEFAULT 'chat'`)
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a session and fills in its ID and start time.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	if session.StartTime.IsZero() {
		session.StartTime = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (user_id, chatbot_id, start_time) VALUES (?, ?, ?)`,
		session.UserID, session.ChatbotID, session.StartTime)
	if err != nil {
		return errors.Wrap(err, "sqlite create session")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "sqlite create session: last insert id")
	}
	session.ID = id
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID int64) (*domain.ChatSession, error) {
	var session domain.ChatSession
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, chatbot_id, start_time FROM chat_sessions WHERE id = ?`,
		sessionID).Scan(&session.ID, &session.UserID, &session.ChatbotID, &session.StartTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite get session")
	}
	return &session, nil
}

// ListSessionsByUser lists a user's sessions across chatbots, newest first.
func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID int64) ([]domain.ChatSession, error) {
	return s.querySessions(ctx,
		`SELECT id, user_id, chatbot_id, start_time FROM chat_sessions WHERE user_id = ? ORDER BY id DESC`,
		userID)
}

// ListSessionsByChatbot lists a chatbot's sessions, newest first.
// A userID of 0 lists every user's sessions.
func (s *SQLiteStore) ListSessionsByChatbot(ctx context.Context, chatbotID, userID int64) ([]domain.ChatSession, error) {
	query := `SELECT id, user_id, chatbot_id, start_time FROM chat_sessions WHERE chatbot_id = ?`
	args := []any{chatbotID}
	if userID > 0 {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY id DESC`
	return s.querySessions(ctx, query, args...)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]domain.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite list sessions")
	}
	defer rows.Close()

	sessions := []domain.ChatSession{}
	for rows.Next() {
		var session domain.ChatSession
		if err := rows.Scan(&session.ID, &session.UserID, &session.ChatbotID, &session.StartTime); err != nil {
			return nil, errors.Wrap(err, "sqlite list sessions: scan")
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// DeleteSession deletes a session and its messages. It reports whether the session existed.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "sqlite delete session: begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return false, errors.Wrap(err, "sqlite delete session: messages")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, sessionID)
	if err != nil {
		return false, errors.Wrap(err, "sqlite delete session")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "sqlite delete session: rows affected")
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "sqlite delete session: commit")
	}
	return affected > 0, nil
}

// CreateMessage inserts a message and fills in its ID and creation time.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		message.SessionID, string(message.Role), message.Content, message.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "sqlite create message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "sqlite create message: last insert id")
	}
	message.ID = id
	return nil
}

// GetMessages retrieves messages for a session in creation order.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID int64, limit int) ([]domain.Message, error) {
	query := `SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite get messages")
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var role string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "sqlite get messages: scan")
		}
		msg.Role = domain.Role(role)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CreateChatbot inserts a chatbot and fills in its ID and creation time.
func (s *SQLiteStore) CreateChatbot(ctx context.Context, chatbot *domain.Chatbot) error {
	if chatbot.CreatedAt.IsZero() {
		chatbot.CreatedAt = time.Now().UTC()
	}
	if chatbot.Mode == "" {
		chatbot.Mode = "chat"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chatbots (user_id, dify_chatbot_id, name, description, prompt, icon, provider, model_name, mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chatbot.UserID, chatbot.DifyChatbotID, chatbot.Name,
		nullString(chatbot.Description), nullString(chatbot.Prompt), nullString(chatbot.Icon),
		nullString(chatbot.Provider), nullString(chatbot.ModelName), chatbot.Mode, chatbot.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "sqlite create chatbot")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "sqlite create chatbot: last insert id")
	}
	chatbot.ID = id
	return nil
}

const chatbotColumns = `id, user_id, dify_chatbot_id, name, description, prompt, icon, provider, model_name, mode, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChatbot(row rowScanner) (*domain.Chatbot, error) {
	var c domain.Chatbot
	var description, prompt, icon, provider, modelName sql.NullString
	if err := row.Scan(&c.ID, &c.UserID, &c.DifyChatbotID, &c.Name,
		&description, &prompt, &icon, &provider, &modelName, &c.Mode, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Description = description.String
	c.Prompt = prompt.String
	c.Icon = icon.String
	c.Provider = provider.String
	c.ModelName = modelName.String
	return &c, nil
}

// GetChatbot retrieves a chatbot by ID.
func (s *SQLiteStore) GetChatbot(ctx context.Context, chatbotID int64) (*domain.Chatbot, error) {
	c, err := scanChatbot(s.db.QueryRowContext(ctx,
		`SELECT `+chatbotColumns+` FROM chatbots WHERE id = ?`, chatbotID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite get chatbot")
	}
	return c, nil
}

// ListChatbots lists chatbots ordered by ID. A userID of 0 lists all of them.
func (s *SQLiteStore) ListChatbots(ctx context.Context, userID int64) ([]domain.Chatbot, error) {
	query := `SELECT ` + chatbotColumns + ` FROM chatbots`
	var args []any
	if userID > 0 {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite list chatbots")
	}
	defer rows.Close()

	chatbots := []domain.Chatbot{}
	for rows.Next() {
		c, err := scanChatbot(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite list chatbots: scan")
		}
		chatbots = append(chatbots, *c)
	}
	return chatbots, rows.Err()
}

// DeleteChatbot deletes a chatbot together with its sessions and their messages.
// It returns the IDs of the deleted sessions, or domain.ErrNotFound.
func (s *SQLiteStore) DeleteChatbot(ctx context.Context, chatbotID int64) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite delete chatbot: begin")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM chat_sessions WHERE chatbot_id = ?`, chatbotID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite delete chatbot: list sessions")
	}
	sessionIDs := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "sqlite delete chatbot: scan session")
		}
		sessionIDs = append(sessionIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite delete chatbot: list sessions")
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT id FROM chat_sessions WHERE chatbot_id = ?)`, chatbotID); err != nil {
		return nil, errors.Wrap(err, "sqlite delete chatbot: messages")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE chatbot_id = ?`, chatbotID); err != nil {
		return nil, errors.Wrap(err, "sqlite delete chatbot: sessions")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chatbots WHERE id = ?`, chatbotID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite delete chatbot")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "sqlite delete chatbot: rows affected")
	}
	if affected == 0 {
		return nil, domain.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "sqlite delete chatbot: commit")
	}
	return sessionIDs, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
