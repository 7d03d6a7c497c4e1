package app

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"studiodesk/api/internal/authpw"
	"studiodesk/api/internal/config"
	"studiodesk/api/internal/export"
	"studiodesk/api/internal/store"
)

// fakeStore is an in-memory store for service and transport tests. The
// review transaction keeps the compare-and-swap semantics of the real
// one, and beforeDecide lets a test slip a concurrent reviewer in
// between the pending pre-check and the swap.
type fakeStore struct {
	mu sync.Mutex

	users      map[string]store.User
	byEmail    map[string]string
	projects   map[string]store.Project
	milestones map[string]store.Milestone
	payments   map[string]store.Payment
	approvals  map[string]store.Approval
	comments   []store.ApprovalComment
	requests   map[string]store.ChangeRequest
	resets     map[string]fakeReset
	sessions   map[string]fakeSession
	revoked    map[string]bool

	pingErr      error
	beforeDecide func()
}

type fakeReset struct {
	userID    string
	expiresAt time.Time
	used      bool
}

type fakeSession struct {
	userID    string
	expiresAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      map[string]store.User{},
		byEmail:    map[string]string{},
		projects:   map[string]store.Project{},
		milestones: map[string]store.Milestone{},
		payments:   map[string]store.Payment{},
		approvals:  map[string]store.Approval{},
		requests:   map[string]store.ChangeRequest{},
		resets:     map[string]fakeReset{},
		sessions:   map[string]fakeSession{},
		revoked:    map[string]bool{},
	}
}

func (f *fakeStore) addUser(u store.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	f.byEmail[u.Email] = u.ID
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byEmail[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return f.users[id], nil
}

func (f *fakeStore) CreateUser(_ context.Context, u store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	f.byEmail[u.Email] = u.ID
	return nil
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	u.PasswordHash = hash
	f.users[userID] = u
	return nil
}

func (f *fakeStore) UpdateUserRank(_ context.Context, userID, rank string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	u.Rank = rank
	f.users[userID] = u
	return nil
}

func (f *fakeStore) CreatePasswordReset(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[token] = fakeReset{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resets[token]
	if !ok || r.used || time.Now().After(r.expiresAt) {
		return "", sql.ErrNoRows
	}
	return r.userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resets[token]
	if !ok {
		return sql.ErrNoRows
	}
	r.used = true
	f.resets[token] = r
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) InsertProject(_ context.Context, p store.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[p.ID] = p
	return nil
}

func (f *fakeStore) UpdateProject(_ context.Context, p store.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projects[p.ID]; !ok {
		return sql.ErrNoRows
	}
	f.projects[p.ID] = p
	return nil
}

func (f *fakeStore) GetProject(_ context.Context, id string) (store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) ListProjects(_ context.Context) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Project, 0, len(f.projects))
	for _, p := range f.projects {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) ListProjectsByClient(_ context.Context, clientID string) ([]store.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Project{}
	for _, p := range f.projects {
		if p.ClientID == clientID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertMilestone(_ context.Context, m store.Milestone) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.milestones[m.ID] = m
	return nil
}

func (f *fakeStore) GetMilestone(_ context.Context, projectID, milestoneID string) (store.Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.milestones[milestoneID]
	if !ok || m.ProjectID != projectID {
		return store.Milestone{}, sql.ErrNoRows
	}
	return m, nil
}

func (f *fakeStore) ListMilestones(_ context.Context, projectID string) ([]store.Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Milestone{}
	for _, m := range f.milestones {
		if m.ProjectID == projectID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateMilestoneStatus(_ context.Context, projectID, milestoneID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.milestones[milestoneID]
	if !ok || m.ProjectID != projectID {
		return sql.ErrNoRows
	}
	m.Status = status
	f.milestones[milestoneID] = m
	return nil
}

func (f *fakeStore) InsertPayment(_ context.Context, p store.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// The real store derives the unlocked flag at write time.
	p.Unlocked = true
	if p.MilestoneID != nil {
		if m, ok := f.milestones[*p.MilestoneID]; ok && m.ApprovalStatus != "approved" {
			p.Unlocked = false
		}
	}
	f.payments[p.ID] = p
	return nil
}

func (f *fakeStore) GetPayment(_ context.Context, projectID, paymentID string) (store.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[paymentID]
	if !ok || p.ProjectID != projectID {
		return store.Payment{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) ListPayments(_ context.Context, projectID string) ([]store.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Payment{}
	for _, p := range f.payments {
		if p.ProjectID == projectID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdatePaymentStatus(_ context.Context, projectID, paymentID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[paymentID]
	if !ok || p.ProjectID != projectID {
		return sql.ErrNoRows
	}
	p.Status = status
	f.payments[paymentID] = p
	return nil
}

func (f *fakeStore) UnlockMilestonePayments(_ context.Context, projectID, milestoneID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unlockLocked(projectID, milestoneID), nil
}

func (f *fakeStore) unlockLocked(projectID, milestoneID string) int64 {
	var n int64
	for id, p := range f.payments {
		if p.ProjectID == projectID && p.MilestoneID != nil && *p.MilestoneID == milestoneID && !p.Unlocked {
			p.Unlocked = true
			f.payments[id] = p
			n++
		}
	}
	return n
}

func (f *fakeStore) InsertApproval(_ context.Context, a store.Approval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals[a.ID] = a
	return nil
}

func (f *fakeStore) GetApproval(_ context.Context, projectID, approvalID string) (store.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.approvals[approvalID]
	if !ok || a.ProjectID != projectID {
		return store.Approval{}, sql.ErrNoRows
	}
	return a, nil
}

func (f *fakeStore) ListApprovals(_ context.Context, projectID string) ([]store.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Approval{}
	for _, a := range f.approvals {
		if a.ProjectID == projectID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertApprovalComment(_ context.Context, c store.ApprovalComment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, c)
	return nil
}

func (f *fakeStore) ListApprovalComments(_ context.Context, approvalID string) ([]store.ApprovalComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.ApprovalComment{}
	for _, c := range f.comments {
		if c.ApprovalID == approvalID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) DecideApproval(_ context.Context, p store.DecideApprovalParams) (store.ReviewOutcome, error) {
	if f.beforeDecide != nil {
		f.beforeDecide()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.approvals[p.ApprovalID]
	if !ok || a.ProjectID != p.ProjectID || a.Status != "pending" {
		return store.ReviewOutcome{}, nil
	}

	now := time.Now()
	a.Status = p.Decision
	a.DecisionComment = p.Comment
	a.ReviewedBy = p.ReviewerID
	a.ReviewedByName = p.ReviewerName
	a.DecidedAt = &now
	f.approvals[p.ApprovalID] = a

	outcome := store.ReviewOutcome{Decided: true}

	if p.SubjectType == "milestone" && p.MilestoneID != nil {
		if m, ok := f.milestones[*p.MilestoneID]; ok && m.ProjectID == p.ProjectID {
			m.ApprovalStatus = p.Decision
			m.ApprovalComment = p.Comment
			m.ApprovalAt = &now
			f.milestones[*p.MilestoneID] = m
			outcome.MilestoneUpdated = true
		}
		if p.Decision == "approved" {
			outcome.PaymentsUnlocked = f.unlockLocked(p.ProjectID, *p.MilestoneID)
		}
	}

	if p.Note != "" {
		f.comments = append(f.comments, store.ApprovalComment{
			ID:         p.NoteID,
			ApprovalID: p.ApprovalID,
			AuthorID:   p.ReviewerID,
			AuthorName: p.ReviewerName,
			Body:       p.Note,
		})
	}

	return outcome, nil
}

func (f *fakeStore) InsertChangeRequest(_ context.Context, cr store.ChangeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[cr.ID] = cr
	return nil
}

func (f *fakeStore) GetChangeRequest(_ context.Context, projectID, requestID string) (store.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cr, ok := f.requests[requestID]
	if !ok || cr.ProjectID != projectID {
		return store.ChangeRequest{}, sql.ErrNoRows
	}
	return cr, nil
}

func (f *fakeStore) ListChangeRequests(_ context.Context, projectID string) ([]store.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.ChangeRequest{}
	for _, cr := range f.requests {
		if cr.ProjectID == projectID {
			out = append(out, cr)
		}
	}
	return out, nil
}

func (f *fakeStore) ReviewChangeRequest(_ context.Context, projectID, requestID, status, response, reviewerName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cr, ok := f.requests[requestID]
	if !ok || cr.ProjectID != projectID {
		return false, nil
	}
	if cr.Status != "pending" && cr.Status != "in_review" {
		return false, nil
	}
	now := time.Now()
	cr.Status = status
	cr.Response = response
	cr.ReviewedByName = reviewerName
	cr.ReviewedAt = &now
	f.requests[requestID] = cr
	return true, nil
}

func (f *fakeStore) Dashboard(_ context.Context, clientID string) (store.DashboardSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	summary := store.DashboardSummary{}
	visible := map[string]bool{}
	for _, p := range f.projects {
		if clientID != "" && p.ClientID != clientID {
			continue
		}
		visible[p.ID] = true
		summary.Projects++
		if p.Status == "active" {
			summary.ActiveProjects++
		}
	}
	for _, a := range f.approvals {
		if visible[a.ProjectID] && a.Status == "pending" {
			summary.PendingApprovals++
		}
	}
	for _, cr := range f.requests {
		if visible[cr.ProjectID] && (cr.Status == "pending" || cr.Status == "in_review") {
			summary.OpenRequests++
		}
	}
	for _, p := range f.payments {
		if !visible[p.ProjectID] {
			continue
		}
		if p.Unlocked {
			summary.UnlockedPayments++
		} else {
			summary.LockedPayments++
		}
	}
	return summary, nil
}

func (f *fakeStore) Ping(context.Context) error {
	return f.pingErr
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[tokenHash] = fakeSession{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[tokenHash]
	if !ok || time.Now().After(s.expiresAt) {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: s.userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

func newTestService(fake *fakeStore) *Service {
	cfg := config.Config{
		TokenSecret: "test-secret",
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
	}
	svc := &Service{
		cfg:      cfg,
		store:    fake,
		sessions: fake,
	}
	svc.passwords = authpw.NewService(fake)
	svc.exporter = export.NewService(&exportStoreAdapter{store: fake})
	return svc
}

func strPtr(s string) *string {
	return &s
}
