// Package export renders delivery statements and prints them to PDF.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// Request contains parameters for a statement export
type Request struct {
	ProjectID string
	Format    Format
}

// ProjectInfo holds project metadata for the statement header
type ProjectInfo struct {
	ID        string
	Name      string
	ClientID  string
	Scope     string
	Status    string
	Progress  int
	UpdatedAt time.Time
}

// ClientInfo holds the client block of the statement
type ClientInfo struct {
	Name    string
	Email   string
	Company string
}

// MilestoneInfo holds one milestone row
type MilestoneInfo struct {
	Title           string
	Status          string
	ApprovalStatus  string
	ApprovalComment string
	DueDate         *time.Time
}

// PaymentInfo holds one payment row
type PaymentInfo struct {
	Description string
	AmountCents int64
	Currency    string
	Status      string
	Unlocked    bool
	DueDate     *time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
