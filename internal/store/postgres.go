package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, rank, company_name, deactivated_at, created_at, updated_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Rank, &user.CompanyName, &user.DeactivatedAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, rank, company_name, deactivated_at, created_at, updated_at
		FROM users
		WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Rank, &user.CompanyName, &user.DeactivatedAt, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, rank, company_name)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Rank, user.CompanyName)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserRank(ctx context.Context, userID, rank string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET rank=$2, updated_at=NOW() WHERE id=$1`, userID, rank)
	if err != nil {
		return fmt.Errorf("update rank: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rank result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("insert password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.rank
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND u.deactivated_at IS NULL
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Rank)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, client_id, manager_id, scope, status, progress)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, project.ID, project.Name, project.ClientID, project.ManagerID, project.Scope, project.Status, project.Progress)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, project Project) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name=$2, scope=$3, status=$4, progress=$5, manager_id=$6, updated_at=NOW()
		WHERE id=$1
	`, project.ID, project.Name, project.Scope, project.Status, project.Progress, project.ManagerID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update project result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, client_id, manager_id, scope, status, progress, created_at, updated_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&item.ID, &item.Name, &item.ClientID, &item.ManagerID, &item.Scope, &item.Status, &item.Progress, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	return s.queryProjects(ctx, `
		SELECT id, name, client_id, manager_id, scope, status, progress, created_at, updated_at
		FROM projects
		ORDER BY updated_at DESC
	`)
}

func (s *PostgresStore) ListProjectsByClient(ctx context.Context, clientID string) ([]Project, error) {
	return s.queryProjects(ctx, `
		SELECT id, name, client_id, manager_id, scope, status, progress, created_at, updated_at
		FROM projects
		WHERE client_id=$1
		ORDER BY updated_at DESC
	`, clientID)
}

func (s *PostgresStore) queryProjects(ctx context.Context, query string, args ...any) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.Name, &item.ClientID, &item.ManagerID, &item.Scope, &item.Status, &item.Progress, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMilestone(ctx context.Context, m Milestone) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO milestones (id, project_id, title, details, due_date, status, approval_status, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
	`, m.ID, m.ProjectID, m.Title, m.Details, m.DueDate, m.Status, m.SortOrder)
	if err != nil {
		return fmt.Errorf("insert milestone: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMilestone(ctx context.Context, projectID, milestoneID string) (Milestone, error) {
	var item Milestone
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, details, due_date, status, approval_status, approval_comment, approval_at, sort_order, created_at, updated_at
		FROM milestones
		WHERE id=$1 AND project_id=$2
	`, milestoneID, projectID).Scan(&item.ID, &item.ProjectID, &item.Title, &item.Details, &item.DueDate, &item.Status, &item.ApprovalStatus, &item.ApprovalComment, &item.ApprovalAt, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Milestone{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListMilestones(ctx context.Context, projectID string) ([]Milestone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, details, due_date, status, approval_status, approval_comment, approval_at, sort_order, created_at, updated_at
		FROM milestones
		WHERE project_id=$1
		ORDER BY sort_order, created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	items := make([]Milestone, 0)
	for rows.Next() {
		var item Milestone
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Title, &item.Details, &item.DueDate, &item.Status, &item.ApprovalStatus, &item.ApprovalComment, &item.ApprovalAt, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestones: %w", err)
	}
	return items, nil
}

// UpdateMilestoneStatus writes the execution status only. The approval
// overlay columns are owned by the review transaction.
func (s *PostgresStore) UpdateMilestoneStatus(ctx context.Context, projectID, milestoneID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE milestones SET status=$3, updated_at=NOW()
		WHERE id=$2 AND project_id=$1
	`, projectID, milestoneID, status)
	if err != nil {
		return fmt.Errorf("update milestone status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update milestone status result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertPayment derives the unlocked flag at write time: payments without a
// milestone reference are born unlocked, the rest inherit the milestone's
// current approval state.
func (s *PostgresStore) InsertPayment(ctx context.Context, p Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, project_id, milestone_id, description, amount_cents, currency, due_date, status, unlocked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
			CASE WHEN $3::TEXT IS NULL THEN TRUE
			ELSE COALESCE((SELECT approval_status='approved' FROM milestones WHERE id=$3 AND project_id=$2), FALSE)
			END)
	`, p.ID, p.ProjectID, p.MilestoneID, p.Description, p.AmountCents, p.Currency, p.DueDate, p.Status)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPayments(ctx context.Context, projectID string) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, milestone_id, description, amount_cents, currency, due_date, status, unlocked, created_at, updated_at
		FROM payments
		WHERE project_id=$1
		ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	items := make([]Payment, 0)
	for rows.Next() {
		var item Payment
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.MilestoneID, &item.Description, &item.AmountCents, &item.Currency, &item.DueDate, &item.Status, &item.Unlocked, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, projectID, paymentID string) (Payment, error) {
	var item Payment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, milestone_id, description, amount_cents, currency, due_date, status, unlocked, created_at, updated_at
		FROM payments
		WHERE id=$1 AND project_id=$2
	`, paymentID, projectID).Scan(&item.ID, &item.ProjectID, &item.MilestoneID, &item.Description, &item.AmountCents, &item.Currency, &item.DueDate, &item.Status, &item.Unlocked, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Payment{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdatePaymentStatus(ctx context.Context, projectID, paymentID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status=$3, updated_at=NOW()
		WHERE id=$2 AND project_id=$1
	`, projectID, paymentID, status)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update payment status result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UnlockMilestonePayments flips every payment gated on the milestone to
// unlocked. Idempotent; there is no reverse operation.
func (s *PostgresStore) UnlockMilestonePayments(ctx context.Context, projectID, milestoneID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET unlocked=TRUE, updated_at=NOW()
		WHERE project_id=$1 AND milestone_id=$2 AND unlocked=FALSE
	`, projectID, milestoneID)
	if err != nil {
		return 0, fmt.Errorf("unlock payments: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("unlock payments result: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) InsertApproval(ctx context.Context, a Approval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, project_id, subject_type, milestone_id, title, description, status, requested_by, requested_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)
	`, a.ID, a.ProjectID, a.SubjectType, a.MilestoneID, a.Title, a.Description, a.RequestedBy, a.RequestedByName)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApproval(ctx context.Context, projectID, approvalID string) (Approval, error) {
	var item Approval
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, subject_type, milestone_id, title, description, status,
			requested_by, requested_by_name, COALESCE(reviewed_by, ''), COALESCE(reviewed_by_name, ''),
			COALESCE(decision_comment, ''), decided_at, created_at, updated_at
		FROM approvals
		WHERE id=$1 AND project_id=$2
	`, approvalID, projectID).Scan(&item.ID, &item.ProjectID, &item.SubjectType, &item.MilestoneID, &item.Title, &item.Description, &item.Status,
		&item.RequestedBy, &item.RequestedByName, &item.ReviewedBy, &item.ReviewedByName,
		&item.DecisionComment, &item.DecidedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Approval{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, projectID string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, subject_type, milestone_id, title, description, status,
			requested_by, requested_by_name, COALESCE(reviewed_by, ''), COALESCE(reviewed_by_name, ''),
			COALESCE(decision_comment, ''), decided_at, created_at, updated_at
		FROM approvals
		WHERE project_id=$1
		ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]Approval, 0)
	for rows.Next() {
		var item Approval
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.SubjectType, &item.MilestoneID, &item.Title, &item.Description, &item.Status,
			&item.RequestedBy, &item.RequestedByName, &item.ReviewedBy, &item.ReviewedByName,
			&item.DecisionComment, &item.DecidedAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertApprovalComment(ctx context.Context, c ApprovalComment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_comments (id, approval_id, author_id, author_name, body)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.ApprovalID, c.AuthorID, c.AuthorName, c.Body)
	if err != nil {
		return fmt.Errorf("insert approval comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListApprovalComments(ctx context.Context, approvalID string) ([]ApprovalComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, approval_id, author_id, author_name, body, created_at
		FROM approval_comments
		WHERE approval_id=$1
		ORDER BY created_at
	`, approvalID)
	if err != nil {
		return nil, fmt.Errorf("list approval comments: %w", err)
	}
	defer rows.Close()

	items := make([]ApprovalComment, 0)
	for rows.Next() {
		var item ApprovalComment
		if err := rows.Scan(&item.ID, &item.ApprovalID, &item.AuthorID, &item.AuthorName, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertChangeRequest(ctx context.Context, cr ChangeRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_requests (id, project_id, title, description, status, requested_by, requested_by_name)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6)
	`, cr.ID, cr.ProjectID, cr.Title, cr.Description, cr.RequestedBy, cr.RequestedByName)
	if err != nil {
		return fmt.Errorf("insert change request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChangeRequest(ctx context.Context, projectID, requestID string) (ChangeRequest, error) {
	var item ChangeRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, description, status, COALESCE(response, ''),
			requested_by, requested_by_name, COALESCE(reviewed_by_name, ''), reviewed_at, created_at, updated_at
		FROM change_requests
		WHERE id=$1 AND project_id=$2
	`, requestID, projectID).Scan(&item.ID, &item.ProjectID, &item.Title, &item.Description, &item.Status, &item.Response,
		&item.RequestedBy, &item.RequestedByName, &item.ReviewedByName, &item.ReviewedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return ChangeRequest{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListChangeRequests(ctx context.Context, projectID string) ([]ChangeRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, description, status, COALESCE(response, ''),
			requested_by, requested_by_name, COALESCE(reviewed_by_name, ''), reviewed_at, created_at, updated_at
		FROM change_requests
		WHERE project_id=$1
		ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	defer rows.Close()

	items := make([]ChangeRequest, 0)
	for rows.Next() {
		var item ChangeRequest
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Title, &item.Description, &item.Status, &item.Response,
			&item.RequestedBy, &item.RequestedByName, &item.ReviewedByName, &item.ReviewedAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change requests: %w", err)
	}
	return items, nil
}

// ReviewChangeRequest moves a pending or in-review request to a terminal
// state, or a pending one to in_review. Returns false when the request was
// already terminal.
func (s *PostgresStore) ReviewChangeRequest(ctx context.Context, projectID, requestID, status, response, reviewerName string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE change_requests
		SET status=$3, response=$4, reviewed_by_name=$5, reviewed_at=NOW(), updated_at=NOW()
		WHERE id=$2 AND project_id=$1 AND status IN ('pending', 'in_review')
	`, projectID, requestID, status, response, reviewerName)
	if err != nil {
		return false, fmt.Errorf("review change request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("review change request result: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) Dashboard(ctx context.Context, clientID string) (DashboardSummary, error) {
	const query = `
		SELECT
			COUNT(DISTINCT p.id),
			COUNT(DISTINCT p.id) FILTER (WHERE p.status='active'),
			COUNT(DISTINCT a.id) FILTER (WHERE a.status='pending'),
			COUNT(DISTINCT cr.id) FILTER (WHERE cr.status IN ('pending', 'in_review')),
			COUNT(DISTINCT pay.id) FILTER (WHERE pay.unlocked=FALSE),
			COUNT(DISTINCT pay.id) FILTER (WHERE pay.unlocked=TRUE)
		FROM projects p
		LEFT JOIN approvals a ON a.project_id = p.id
		LEFT JOIN change_requests cr ON cr.project_id = p.id
		LEFT JOIN payments pay ON pay.project_id = p.id
		WHERE ($1 = '' OR p.client_id = $1)
	`
	var out DashboardSummary
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(&out.Projects, &out.ActiveProjects, &out.PendingApprovals, &out.OpenRequests, &out.LockedPayments, &out.UnlockedPayments)
	if err != nil {
		return DashboardSummary{}, fmt.Errorf("dashboard counts: %w", err)
	}
	return out, nil
}
