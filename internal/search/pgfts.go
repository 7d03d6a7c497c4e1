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

// Search executes a UNION ALL query across projects, approvals, and
// change_requests using plainto_tsquery and ts_rank, with ts_headline for
// snippets.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultProject {
		where := "p.fts @@ " + tsQuery
		if q.FilterProjectID != "" {
			where += fmt.Sprintf(" AND p.id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		if q.ClientID != "" {
			where += fmt.Sprintf(" AND p.client_id = $%d", argN)
			args = append(args, q.ClientID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'project'::text AS type, p.id, p.name AS title,
				ts_headline('english', coalesce(p.scope, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS project_id, p.client_id,
				p.status,
				ts_rank(p.fts, %s) AS rank
			FROM projects p
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultApproval {
		where := "a.fts @@ " + tsQuery
		if q.FilterProjectID != "" {
			where += fmt.Sprintf(" AND a.project_id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		if q.ClientID != "" {
			where += fmt.Sprintf(" AND p.client_id = $%d", argN)
			args = append(args, q.ClientID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'approval'::text AS type, a.id, a.title,
				ts_headline('english', coalesce(a.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.project_id, p.client_id,
				a.status,
				ts_rank(a.fts, %s) AS rank
			FROM approvals a
			JOIN projects p ON p.id = a.project_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultRequest {
		where := "cr.fts @@ " + tsQuery
		if q.FilterProjectID != "" {
			where += fmt.Sprintf(" AND cr.project_id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		if q.ClientID != "" {
			where += fmt.Sprintf(" AND p.client_id = $%d", argN)
			args = append(args, q.ClientID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'request'::text AS type, cr.id, cr.title,
				ts_headline('english', coalesce(cr.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				cr.project_id, p.client_id,
				cr.status,
				ts_rank(cr.fts, %s) AS rank
			FROM change_requests cr
			JOIN projects p ON p.id = cr.project_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, project_id, client_id, status
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
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.ClientID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ProjectRecord, []ApprovalRecord, []RequestRecord, error) {
	projectRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, scope, client_id, status
		FROM projects
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load projects: %w", err)
	}
	defer projectRows.Close()

	projects := make([]ProjectRecord, 0)
	for projectRows.Next() {
		var rec ProjectRecord
		if err := projectRows.Scan(&rec.ID, &rec.Name, &rec.Scope, &rec.ClientID, &rec.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, rec)
	}
	if err := projectRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate projects: %w", err)
	}

	approvalRows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.title, a.description, a.subject_type, a.project_id, p.client_id, a.status
		FROM approvals a
		JOIN projects p ON p.id = a.project_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load approvals: %w", err)
	}
	defer approvalRows.Close()

	approvals := make([]ApprovalRecord, 0)
	for approvalRows.Next() {
		var rec ApprovalRecord
		if err := approvalRows.Scan(&rec.ID, &rec.Title, &rec.Description, &rec.SubjectType, &rec.ProjectID, &rec.ClientID, &rec.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, rec)
	}
	if err := approvalRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate approvals: %w", err)
	}

	requestRows, err := p.db.QueryContext(ctx, `
		SELECT cr.id, cr.title, cr.description, cr.project_id, p.client_id, cr.status
		FROM change_requests cr
		JOIN projects p ON p.id = cr.project_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load change requests: %w", err)
	}
	defer requestRows.Close()

	requests := make([]RequestRecord, 0)
	for requestRows.Next() {
		var rec RequestRecord
		if err := requestRows.Scan(&rec.ID, &rec.Title, &rec.Description, &rec.ProjectID, &rec.ClientID, &rec.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan change request: %w", err)
		}
		requests = append(requests, rec)
	}
	if err := requestRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate change requests: %w", err)
	}

	return projects, approvals, requests, nil
}
