package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// The tsvector is computed in the query; the expression matches the GIN
// index on comments so the planner can use it.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries comments with plainto_tsquery and ts_rank, using
// ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "to_tsvector('simple', c.content) @@ plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2

	if q.GroupingKey != "" {
		where += fmt.Sprintf(" AND c.url_hash = $%d", argN)
		args = append(args, q.GroupingKey)
		argN++
	}
	if q.AuthorID != "" {
		where += fmt.Sprintf(" AND c.user_id = $%d", argN)
		args = append(args, q.AuthorID)
		argN++
	}

	ctx := context.Background()

	countSQL := "SELECT count(*) FROM comments c WHERE " + where
	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id,
			ts_headline('simple', c.content, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			c.canonical_url, c.url_hash, c.user_id
		FROM comments c
		WHERE %s
		ORDER BY ts_rank(to_tsvector('simple', c.content), plainto_tsquery('simple', $1)) DESC, c.created_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Snippet, &r.CanonicalURL, &r.GroupingKey, &r.AuthorID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all indexed comments for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, content, canonical_url, url_hash, user_id
		FROM comments
	`)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	records := make([]CommentRecord, 0)
	for rows.Next() {
		var r CommentRecord
		if err := rows.Scan(&r.ID, &r.Content, &r.CanonicalURL, &r.GroupingKey, &r.AuthorID); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return records, nil
}
