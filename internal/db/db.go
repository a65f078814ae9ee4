package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the schema. Users and messages are linked by id only:
// the message tables do not depend on where users live.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            full_name TEXT NOT NULL DEFAULT '',
            bio TEXT NOT NULL DEFAULT '',
            profile_pic TEXT NOT NULL DEFAULT '',
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`ALTER TABLE users ADD COLUMN IF NOT EXISTS bio TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE users ADD COLUMN IF NOT EXISTS profile_pic TEXT NOT NULL DEFAULT ''`,

		`CREATE TABLE IF NOT EXISTS messages (
            seq BIGSERIAL UNIQUE,
            id TEXT PRIMARY KEY,
            sender_id TEXT NOT NULL,
            receiver_id TEXT NOT NULL,
            text TEXT,
            image TEXT,
            delivered BOOLEAN NOT NULL DEFAULT false,
            deleted BOOLEAN NOT NULL DEFAULT false,
            deleted_by TEXT,
            deleted_at TIMESTAMPTZ,
            edited BOOLEAN NOT NULL DEFAULT false,
            edited_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL,
            CHECK ((text IS NULL) <> (image IS NULL))
        )`,

		`CREATE TABLE IF NOT EXISTS message_seen (
            message_id TEXT REFERENCES messages(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            seen_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (message_id, user_id)
        )`,

		`CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages (sender_id, receiver_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS messages_pair_rev_idx ON messages (receiver_id, sender_id, created_at)`,
	}

	for _, query := range queries {
		_, err := d.Conn.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
