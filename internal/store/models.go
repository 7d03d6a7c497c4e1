package store

import "time"

type User struct {
	ID            string
	DisplayName   string
	Email         string
	PasswordHash  string
	Rank          string
	CompanyName   string
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Project struct {
	ID        string
	Name      string
	ClientID  string
	ManagerID string
	Scope     string
	Status    string
	Progress  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Milestone struct {
	ID         string
	ProjectID  string
	Title      string
	Details    string
	DueDate    *time.Time
	// Execution status, written by staff through the milestone endpoints.
	Status string
	// Approval overlay, written only by the review transaction.
	ApprovalStatus  string
	ApprovalComment string
	ApprovalAt      *time.Time
	SortOrder       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Payment struct {
	ID          string
	ProjectID   string
	MilestoneID *string
	Description string
	AmountCents int64
	Currency    string
	DueDate     *time.Time
	Status      string
	Unlocked    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Approval struct {
	ID              string
	ProjectID       string
	SubjectType     string
	MilestoneID     *string
	Title           string
	Description     string
	Status          string
	RequestedBy     string
	RequestedByName string
	ReviewedBy      string
	ReviewedByName  string
	DecisionComment string
	DecidedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ApprovalComment struct {
	ID         string
	ApprovalID string
	AuthorID   string
	AuthorName string
	Body       string
	CreatedAt  time.Time
}

type ChangeRequest struct {
	ID              string
	ProjectID       string
	Title           string
	Description     string
	Status          string
	Response        string
	RequestedBy     string
	RequestedByName string
	ReviewedByName  string
	ReviewedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DashboardSummary holds the portal home counters for one viewer.
type DashboardSummary struct {
	Projects         int
	ActiveProjects   int
	PendingApprovals int
	OpenRequests     int
	LockedPayments   int
	UnlockedPayments int
}
