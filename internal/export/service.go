package export

import (
	"context"
	"fmt"
	"time"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetProject(ctx context.Context, id string) (ProjectInfo, error)
	GetClient(ctx context.Context, userID string) (ClientInfo, error)
	ListMilestones(ctx context.Context, projectID string) ([]MilestoneInfo, error)
	ListPayments(ctx context.Context, projectID string) ([]PaymentInfo, error)
}

// Service renders delivery statements for projects
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates a delivery statement in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	project, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	client, err := s.store.GetClient(ctx, project.ClientID)
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}

	milestones, err := s.store.ListMilestones(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}

	payments, err := s.store.ListPayments(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}

	data := TemplateData{
		ProjectName: project.Name,
		ClientName:  client.Name,
		Company:     client.Company,
		Scope:       project.Scope,
		Status:      project.Status,
		Progress:    project.Progress,
		GeneratedAt: time.Now(),
	}

	for _, m := range milestones {
		data.Milestones = append(data.Milestones, TemplateMilestone{
			Title:           m.Title,
			Status:          m.Status,
			ApprovalStatus:  m.ApprovalStatus,
			ApprovalComment: m.ApprovalComment,
			Due:             formatDue(m.DueDate),
		})
	}

	for _, p := range payments {
		data.Payments = append(data.Payments, TemplatePayment{
			Description: p.Description,
			Amount:      FormatAmount(p.AmountCents, p.Currency),
			Status:      p.Status,
			Unlocked:    p.Unlocked,
			Due:         formatDue(p.DueDate),
		})
	}

	html, err := RenderStatementHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, project.Name)
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(project.Name) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func formatDue(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("Jan 2, 2006")
}
