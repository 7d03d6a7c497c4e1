package store

import (
	"context"
	"fmt"
)

// ReviewOutcome reports what a committed review transaction touched.
type ReviewOutcome struct {
	Decided          bool
	MilestoneUpdated bool
	PaymentsUnlocked int64
}

// DecideApprovalParams carries one review decision into the transaction.
type DecideApprovalParams struct {
	ProjectID    string
	ApprovalID   string
	SubjectType  string
	MilestoneID  *string
	Decision     string
	Comment      string
	ReviewerID   string
	ReviewerName string
	// Optional follow-up note appended to the comment thread.
	NoteID string
	Note   string
}

// DecideApproval runs the whole review as one transaction: decide the
// approval, write the milestone approval overlay, unlock gated payments, and
// append the reviewer's note. The decide step is a compare-and-swap on the
// pending status; Decided=false means another review won the race and
// nothing was written.
func (s *PostgresStore) DecideApproval(ctx context.Context, p DecideApprovalParams) (ReviewOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReviewOutcome{}, fmt.Errorf("begin review tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE approvals
		SET status=$3, decision_comment=$4, reviewed_by=$5, reviewed_by_name=$6, decided_at=NOW(), updated_at=NOW()
		WHERE id=$2 AND project_id=$1 AND status='pending'
	`, p.ProjectID, p.ApprovalID, p.Decision, p.Comment, p.ReviewerID, p.ReviewerName)
	if err != nil {
		return ReviewOutcome{}, fmt.Errorf("decide approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ReviewOutcome{}, fmt.Errorf("decide approval result: %w", err)
	}
	if affected == 0 {
		return ReviewOutcome{}, nil
	}

	outcome := ReviewOutcome{Decided: true}

	if p.SubjectType == "milestone" && p.MilestoneID != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE milestones
			SET approval_status=$3, approval_comment=$4, approval_at=NOW(), updated_at=NOW()
			WHERE id=$2 AND project_id=$1
		`, p.ProjectID, *p.MilestoneID, p.Decision, p.Comment)
		if err != nil {
			return ReviewOutcome{}, fmt.Errorf("write milestone overlay: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			outcome.MilestoneUpdated = true
		}

		if p.Decision == "approved" {
			res, err := tx.ExecContext(ctx, `
				UPDATE payments SET unlocked=TRUE, updated_at=NOW()
				WHERE project_id=$1 AND milestone_id=$2 AND unlocked=FALSE
			`, p.ProjectID, *p.MilestoneID)
			if err != nil {
				return ReviewOutcome{}, fmt.Errorf("unlock payments: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil {
				outcome.PaymentsUnlocked = n
			}
		}
	}

	if p.Note != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approval_comments (id, approval_id, author_id, author_name, body)
			VALUES ($1, $2, $3, $4, $5)
		`, p.NoteID, p.ApprovalID, p.ReviewerID, p.ReviewerName, p.Note); err != nil {
			return ReviewOutcome{}, fmt.Errorf("append review note: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ReviewOutcome{}, fmt.Errorf("commit review tx: %w", err)
	}
	return outcome, nil
}
