package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
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

// Search executes a UNION ALL query across articles and forum_threads using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
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

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultArticle {
		articleWhere := "a.status = 'published' AND a.fts @@ " + tsQuery
		if q.FilterCategory != "" {
			articleWhere += fmt.Sprintf(" AND a.category = $%d", argN)
			args = append(args, q.FilterCategory)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'article'::text AS type, a.id, a.title,
				ts_headline('simple', a.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.category,
				''::text AS status,
				ts_rank(a.fts, %s) AS rank
			FROM articles a
			WHERE %s`, tsQuery, tsQuery, articleWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultThread {
		threadWhere := "t.fts @@ " + tsQuery
		if q.FilterCategory != "" {
			threadWhere += fmt.Sprintf(" AND t.category = $%d", argN)
			args = append(args, q.FilterCategory)
			argN++
		}
		if !q.IsAdmin {
			threadWhere += " AND t.status <> 'hidden'"
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'thread'::text AS type, t.id, t.title,
				ts_headline('simple', t.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				t.category,
				t.status,
				ts_rank(t.fts, %s) AS rank
			FROM forum_threads t
			WHERE %s`, tsQuery, tsQuery, threadWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, category, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Category, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ArticleRecord, []ThreadRecord, error) {
	articleRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, content, category
		FROM articles
		WHERE status = 'published'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load articles: %w", err)
	}
	defer articleRows.Close()

	articles := make([]ArticleRecord, 0)
	for articleRows.Next() {
		var a ArticleRecord
		if err := articleRows.Scan(&a.ID, &a.Title, &a.Content, &a.Category); err != nil {
			return nil, nil, fmt.Errorf("scan article: %w", err)
		}
		articles = append(articles, a)
	}
	if err := articleRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate articles: %w", err)
	}

	threadRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, content, category, status
		FROM forum_threads
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load threads: %w", err)
	}
	defer threadRows.Close()

	threads := make([]ThreadRecord, 0)
	for threadRows.Next() {
		var t ThreadRecord
		if err := threadRows.Scan(&t.ID, &t.Title, &t.Content, &t.Category, &t.Status); err != nil {
			return nil, nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := threadRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate threads: %w", err)
	}

	return articles, threads, nil
}
