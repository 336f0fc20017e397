package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/aviko-ai/aviko/pkg/core"
	"github.com/aviko-ai/aviko/pkg/core/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is a session.Store backed by a Postgres database.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn, applies pending schema migrations, and
// returns the store.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) Save(ctx context.Context, conv session.Conversation) error {
	if conv.ID == "" {
		return core.NewInvalidRequestError("conversation id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning save: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, title, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title`,
		conv.ID, conv.Title, conv.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	// Re-saving replaces the message rows wholesale; the log itself is
	// append-only upstream.
	_, err = tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conv.ID)
	if err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	for i, msg := range conv.Messages {
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (conversation_id, position, role, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			conv.ID, i, string(msg.Role), msg.Content, msg.Timestamp)
		if err != nil {
			return fmt.Errorf("inserting message %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) Load(ctx context.Context, id string) (session.Conversation, error) {
	var conv session.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, created_at FROM conversations WHERE id = $1`, id).
		Scan(&conv.ID, &conv.Title, &conv.CreatedAt)
	if err == pgx.ErrNoRows {
		return session.Conversation{}, core.NewInvalidRequestError("conversation not found: " + id)
	}
	if err != nil {
		return session.Conversation{}, fmt.Errorf("loading conversation: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT role, content, created_at FROM messages
		 WHERE conversation_id = $1 ORDER BY position`, id)
	if err != nil {
		return session.Conversation{}, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg session.Message
		var role string
		if err := rows.Scan(&role, &msg.Content, &msg.Timestamp); err != nil {
			return session.Conversation{}, fmt.Errorf("scanning message: %w", err)
		}
		msg.Role = session.Role(role)
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return session.Conversation{}, fmt.Errorf("loading messages: %w", err)
	}
	return conv, nil
}

// List returns all archived conversations with their messages, newest first.
func (s *Postgres) List(ctx context.Context) ([]session.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, created_at FROM conversations ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []session.Conversation
	index := map[string]int{}
	for rows.Next() {
		var conv session.Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		index[conv.ID] = len(out)
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	rows.Close()

	msgRows, err := s.pool.Query(ctx,
		`SELECT conversation_id, role, content, created_at FROM messages
		 ORDER BY conversation_id, position`)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var convID, role string
		var msg session.Message
		if err := msgRows.Scan(&convID, &role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Role = session.Role(role)
		if i, ok := index[convID]; ok {
			out[i].Messages = append(out[i].Messages, msg)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return out, nil
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	return nil
}
