package chromem

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flarexio/docrag/backend"
)

const schema = `
CREATE TABLE IF NOT EXISTS collections (
	name            TEXT PRIMARY KEY,
	description     TEXT NOT NULL DEFAULT '',
	tags            TEXT NOT NULL DEFAULT '[]',
	document_count  INTEGER NOT NULL DEFAULT 0,
	chunk_count     INTEGER NOT NULL DEFAULT 0,
	total_size      INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	last_queried_at INTEGER NOT NULL DEFAULT 0,
	is_public       INTEGER NOT NULL DEFAULT 0,
	owner           TEXT NOT NULL DEFAULT '',
	dimension       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pending_ingests (
	ingest_id  TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	total      INTEGER NOT NULL,
	started_at INTEGER NOT NULL
);
`

const selectSummary = `
SELECT name, description, tags, document_count, chunk_count, total_size,
       created_at, updated_at, last_queried_at, is_public, owner
FROM collections`

// catalog keeps collection summaries and the ingest journal. A pending row
// names the chunk ids an unfinished ingest may have written.
type catalog struct {
	db *sql.DB
}

type pendingIngest struct {
	ID         string
	Collection string
	Total      int
}

func openCatalog(path string) (*catalog, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &catalog{db}, nil
}

func (c *catalog) Close() error {
	return c.db.Close()
}

func (c *catalog) begin(ctx context.Context, ingest pendingIngest) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO pending_ingests (ingest_id, collection, total, started_at) VALUES (?, ?, ?, ?)`,
		ingest.ID, ingest.Collection, ingest.Total, time.Now().UnixNano(),
	)

	return err
}

// commit stores the summary and clears the journal entry in one transaction.
func (c *catalog) commit(ctx context.Context, ingestID string, s backend.CollectionSummary, dimension int) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsert(ctx, tx, s, dimension); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_ingests WHERE ingest_id = ?`, ingestID); err != nil {
		return err
	}

	return tx.Commit()
}

func (c *catalog) abort(ctx context.Context, ingestID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM pending_ingests WHERE ingest_id = ?`, ingestID)
	return err
}

func (c *catalog) pending(ctx context.Context) ([]pendingIngest, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT ingest_id, collection, total FROM pending_ingests ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ingests []pendingIngest
	for rows.Next() {
		var p pendingIngest
		if err := rows.Scan(&p.ID, &p.Collection, &p.Total); err != nil {
			return nil, err
		}

		ingests = append(ingests, p)
	}

	return ingests, rows.Err()
}

func (c *catalog) get(ctx context.Context, name string) (backend.CollectionSummary, bool, error) {
	row := c.db.QueryRowContext(ctx, selectSummary+` WHERE name = ?`, name)

	s, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return backend.CollectionSummary{}, false, nil
		}

		return backend.CollectionSummary{}, false, err
	}

	return s, true, nil
}

func (c *catalog) list(ctx context.Context) ([]backend.CollectionSummary, error) {
	rows, err := c.db.QueryContext(ctx, selectSummary+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]backend.CollectionSummary, 0)
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}

		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}

func (c *catalog) put(ctx context.Context, s backend.CollectionSummary) error {
	return upsert(ctx, c.db, s, 0)
}

// dimension returns the vector length of a collection, 0 when unknown.
func (c *catalog) dimension(ctx context.Context, name string) (int, error) {
	var dimension int

	err := c.db.QueryRowContext(ctx, `SELECT dimension FROM collections WHERE name = ?`, name).Scan(&dimension)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	return dimension, nil
}

func (c *catalog) setLastQueried(ctx context.Context, name string, at time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE collections SET last_queried_at = ? WHERE name = ?`,
		at.UnixNano(), name,
	)

	return err
}

// delete removes the collection row and any journal entries for it.
func (c *catalog) delete(ctx context.Context, name string) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_ingests WHERE collection = ?`, name); err != nil {
		return false, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, s backend.CollectionSummary, dimension int) error {
	tags, err := json.Marshal(s.Tags)
	if err != nil {
		return err
	}

	var lastQueried int64
	if !s.LastQueriedAt.IsZero() {
		lastQueried = s.LastQueriedAt.UnixNano()
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO collections (
			name, description, tags, document_count, chunk_count, total_size,
			created_at, updated_at, last_queried_at, is_public, owner, dimension
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			tags = excluded.tags,
			document_count = excluded.document_count,
			chunk_count = excluded.chunk_count,
			total_size = excluded.total_size,
			updated_at = excluded.updated_at,
			last_queried_at = excluded.last_queried_at,
			is_public = excluded.is_public,
			owner = excluded.owner,
			dimension = max(collections.dimension, excluded.dimension)`,
		s.Name, s.Description, string(tags), s.DocumentCount, s.ChunkCount, s.TotalSize,
		s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano(), lastQueried, s.IsPublic, s.Owner, dimension,
	)

	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (backend.CollectionSummary, error) {
	var (
		s           backend.CollectionSummary
		tags        string
		created     int64
		updated     int64
		lastQueried int64
	)

	err := row.Scan(
		&s.Name, &s.Description, &tags, &s.DocumentCount, &s.ChunkCount, &s.TotalSize,
		&created, &updated, &lastQueried, &s.IsPublic, &s.Owner,
	)
	if err != nil {
		return s, err
	}

	if err := json.Unmarshal([]byte(tags), &s.Tags); err != nil {
		return s, fmt.Errorf("collection %s: tags: %w", s.Name, err)
	}

	s.CreatedAt = time.Unix(0, created)
	s.UpdatedAt = time.Unix(0, updated)
	if lastQueried > 0 {
		s.LastQueriedAt = time.Unix(0, lastQueried)
	}

	s.Backend = backend.KindChromem
	return s, nil
}
