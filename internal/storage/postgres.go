package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores room files in the room_files table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to url, retrying while the database comes up, and
// creates the schema.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	if url == "" {
		return nil, errors.New("storage: postgres url is empty")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres url: %w", err)
	}
	ping := func() error { return pool.Ping(ctx) }
	if err := backoff.Retry(ping, NewRetry(ctx, 5)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	names, err := migrationNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := p.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *Postgres) Read(ctx context.Context, roomID, path string) (string, error) {
	clean, err := CleanPath(path)
	if err != nil {
		return "", err
	}
	var content string
	err = p.pool.QueryRow(ctx, "SELECT content FROM room_files WHERE room_id = $1 AND path = $2", roomID, clean).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return content, err
}

func (p *Postgres) Write(ctx context.Context, roomID, path, content string) error {
	clean, err := CleanPath(path)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO room_files (room_id, path, content, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, path) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`,
		roomID, clean, content, time.Now().UTC())
	return err
}

func (p *Postgres) Delete(ctx context.Context, roomID, path string) error {
	clean, err := CleanPath(path)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, "DELETE FROM room_files WHERE room_id = $1 AND path = $2", roomID, clean)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, roomID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, "SELECT path FROM room_files WHERE room_id = $1 ORDER BY path", roomID)
	if err != nil {
		return nil, err
	}
	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if paths == nil {
		paths = []string{}
	}
	return paths, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
