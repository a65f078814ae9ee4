// Package pgstore keeps messages in PostgreSQL. The schema is created by
// db.Database.AutoMigrate; seenBy lives in the message_seen table so that
// adding a viewer is an idempotent insert.
package pgstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/juju/errors"

	"pairchat/internal/chat"
)

type Repository struct {
	db *sql.DB
}

var _ chat.Store = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const selectMessage = `
	SELECT m.id, m.sender_id, m.receiver_id,
	       COALESCE(m.text, ''), COALESCE(m.image, ''),
	       m.delivered, m.deleted, COALESCE(m.deleted_by, ''), m.deleted_at,
	       m.edited, m.edited_at, m.created_at,
	       COALESCE((SELECT string_agg(s.user_id, ',' ORDER BY s.user_id)
	                 FROM message_seen s WHERE s.message_id = m.id), '')
	FROM messages m`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*chat.Message, error) {
	var (
		msg       chat.Message
		deletedAt sql.NullTime
		editedAt  sql.NullTime
		seenBy    string
	)
	err := row.Scan(
		&msg.ID, &msg.Sender, &msg.Receiver,
		&msg.Text, &msg.Image,
		&msg.Delivered, &msg.Deleted, &msg.DeletedBy, &deletedAt,
		&msg.Edited, &editedAt, &msg.CreatedAt,
		&seenBy,
	)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		msg.DeletedAt = &deletedAt.Time
	}
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}
	msg.SeenBy = []string{}
	if seenBy != "" {
		msg.SeenBy = strings.Split(seenBy, ",")
	}
	return &msg, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *Repository) Create(ctx context.Context, msg *chat.Message) error {
	query := `
		INSERT INTO messages (id, sender_id, receiver_id, text, image, delivered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.ExecContext(ctx, query,
		msg.ID, msg.Sender, msg.Receiver, nullable(msg.Text), nullable(msg.Image), msg.Delivered, msg.CreatedAt)
	return errors.Trace(err)
}

func (r *Repository) Get(ctx context.Context, id string) (*chat.Message, error) {
	msg, err := scanMessage(r.db.QueryRowContext(ctx, selectMessage+` WHERE m.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("message %q", id)
	}
	return msg, errors.Trace(err)
}

func (r *Repository) ListBetween(ctx context.Context, a, b string) ([]*chat.Message, error) {
	query := selectMessage + `
		WHERE (m.sender_id = $1 AND m.receiver_id = $2)
		   OR (m.sender_id = $2 AND m.receiver_id = $1)
		ORDER BY m.created_at ASC, m.seq ASC`
	rows, err := r.db.QueryContext(ctx, query, a, b)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var messages []*chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		messages = append(messages, msg)
	}
	return messages, errors.Trace(rows.Err())
}

// mustAffect turns "no row matched" into NotFound.
func mustAffect(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if n == 0 {
		return errors.NotFoundf("message %q", id)
	}
	return nil
}

func (r *Repository) MarkDelivered(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET delivered = true WHERE id = $1`, id)
	if err != nil {
		return errors.Trace(err)
	}
	return mustAffect(res, id)
}

func (r *Repository) MarkSeen(ctx context.Context, viewer string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `
		INSERT INTO message_seen (message_id, user_id)
		SELECT m.id, $1 FROM messages m
		WHERE m.id = ANY($2) AND m.receiver_id = $1 AND NOT m.deleted
		ON CONFLICT DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, viewer, ids)
	if err != nil {
		return 0, errors.Trace(err)
	}
	n, err := res.RowsAffected()
	return int(n), errors.Trace(err)
}

// applyGuarded runs a conditional update; when nothing matched it tells
// "unknown id" apart from "guard refused".
func (r *Repository) applyGuarded(ctx context.Context, id, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Trace(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Trace(err)
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, errors.Trace(err)
	}
	if !exists {
		return false, errors.NotFoundf("message %q", id)
	}
	return false, nil
}

const unseenGuard = `NOT deleted AND NOT EXISTS (SELECT 1 FROM message_seen s WHERE s.message_id = messages.id)`

func (r *Repository) ApplyEdit(ctx context.Context, id, text string, at time.Time) (bool, error) {
	query := `
		UPDATE messages SET text = $2, edited = true, edited_at = $3
		WHERE id = $1 AND image IS NULL AND ` + unseenGuard
	return r.applyGuarded(ctx, id, query, id, text, at)
}

func (r *Repository) ApplyDelete(ctx context.Context, id, actor string, at time.Time) (bool, error) {
	query := `
		UPDATE messages SET deleted = true, deleted_by = $2, deleted_at = $3
		WHERE id = $1 AND ` + unseenGuard
	return r.applyGuarded(ctx, id, query, id, actor, at)
}

func (r *Repository) CountUnseen(ctx context.Context, receiver string) (map[string]int, error) {
	query := `
		SELECT m.sender_id, COUNT(*)
		FROM messages m
		WHERE m.receiver_id = $1 AND NOT m.deleted
		  AND NOT EXISTS (SELECT 1 FROM message_seen s WHERE s.message_id = m.id AND s.user_id = $1)
		GROUP BY m.sender_id`
	rows, err := r.db.QueryContext(ctx, query, receiver)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sender string
		var n int
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, errors.Trace(err)
		}
		counts[sender] = n
	}
	return counts, errors.Trace(rows.Err())
}
