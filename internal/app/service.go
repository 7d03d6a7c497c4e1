package app

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"strings"
	"time"

	"studiodesk/api/internal/auth"
	"studiodesk/api/internal/authpw"
	"studiodesk/api/internal/config"
	"studiodesk/api/internal/email"
	"studiodesk/api/internal/export"
	"studiodesk/api/internal/rbac"
	"studiodesk/api/internal/search"
	"studiodesk/api/internal/store"
	"studiodesk/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Rank         string
	JTI          string
	ExpiresAt    time.Time
}

type CreateProjectInput struct {
	Name     string `json:"name"`
	ClientID string `json:"clientId"`
	Scope    string `json:"scope"`
	Status   string `json:"status"`
}

type UpdateProjectInput struct {
	Name     string `json:"name"`
	Scope    string `json:"scope"`
	Status   string `json:"status"`
	Progress *int   `json:"progress"`
}

type CreateMilestoneInput struct {
	Title     string     `json:"title"`
	Details   string     `json:"details"`
	DueDate   *time.Time `json:"dueDate"`
	SortOrder int        `json:"sortOrder"`
}

type CreatePaymentInput struct {
	MilestoneID *string    `json:"milestoneId"`
	Description string     `json:"description"`
	AmountCents int64      `json:"amountCents"`
	Currency    string     `json:"currency"`
	DueDate     *time.Time `json:"dueDate"`
}

type CreateApprovalInput struct {
	SubjectType string  `json:"subjectType"`
	MilestoneID *string `json:"milestoneId"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
}

type ReviewApprovalInput struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
	Note     string `json:"note"`
}

type CreateChangeRequestInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type ReviewChangeRequestInput struct {
	Status   string `json:"status"`
	Response string `json:"response"`
}

var allowedSubjectTypes = map[string]struct{}{
	"design":       {},
	"feature":      {},
	"budget":       {},
	"scope_change": {},
	"milestone":    {},
}

var allowedDecisions = map[string]struct{}{
	"approved":          {},
	"changes_requested": {},
}

var allowedMilestoneStatuses = map[string]struct{}{
	"not_started": {},
	"in_progress": {},
	"completed":   {},
}

var allowedPaymentStatuses = map[string]struct{}{
	"unpaid":   {},
	"invoiced": {},
	"paid":     {},
}

var allowedProjectStatuses = map[string]struct{}{
	"active":    {},
	"paused":    {},
	"completed": {},
	"archived":  {},
}

var allowedRequestReviewStatuses = map[string]struct{}{
	"in_review": {},
	"approved":  {},
	"rejected":  {},
}

var allowedRanks = map[string]struct{}{
	"client": {},
	"viewer": {},
	"editor": {},
	"admin":  {},
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) error
	UpdateUserPassword(context.Context, string, string) error
	UpdateUserRank(context.Context, string, string) error
	CreatePasswordReset(context.Context, string, string, time.Time) error
	GetPasswordReset(context.Context, string) (string, error)
	MarkPasswordResetUsed(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertProject(context.Context, store.Project) error
	UpdateProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjects(context.Context) ([]store.Project, error)
	ListProjectsByClient(context.Context, string) ([]store.Project, error)

	InsertMilestone(context.Context, store.Milestone) error
	GetMilestone(context.Context, string, string) (store.Milestone, error)
	ListMilestones(context.Context, string) ([]store.Milestone, error)
	UpdateMilestoneStatus(context.Context, string, string, string) error

	InsertPayment(context.Context, store.Payment) error
	GetPayment(context.Context, string, string) (store.Payment, error)
	ListPayments(context.Context, string) ([]store.Payment, error)
	UpdatePaymentStatus(context.Context, string, string, string) error
	UnlockMilestonePayments(context.Context, string, string) (int64, error)

	InsertApproval(context.Context, store.Approval) error
	GetApproval(context.Context, string, string) (store.Approval, error)
	ListApprovals(context.Context, string) ([]store.Approval, error)
	InsertApprovalComment(context.Context, store.ApprovalComment) error
	ListApprovalComments(context.Context, string) ([]store.ApprovalComment, error)
	DecideApproval(context.Context, store.DecideApprovalParams) (store.ReviewOutcome, error)

	InsertChangeRequest(context.Context, store.ChangeRequest) error
	GetChangeRequest(context.Context, string, string) (store.ChangeRequest, error)
	ListChangeRequests(context.Context, string) ([]store.ChangeRequest, error)
	ReviewChangeRequest(context.Context, string, string, string, string, string) (bool, error)

	Dashboard(context.Context, string) (store.DashboardSummary, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions. Backed by Redis when configured,
// otherwise by the primary Postgres store.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	searcher  *search.Service
	mailer    *email.Service
	passwords *authpw.Service
	exporter  *export.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, searcher *search.Service, mailer *email.Service) *Service {
	return NewWithSessionStore(cfg, dataStore, dataStore, searcher, mailer)
}

// NewWithSessionStore wires an external refresh-session backend, typically
// Redis, in front of the primary store.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searcher *search.Service, mailer *email.Service) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		searcher: searcher,
		mailer:   mailer,
	}
	svc.passwords = authpw.NewService(dataStore)
	svc.exporter = export.NewService(&exportStoreAdapter{store: svc.store})
	return svc
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.passwords
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds a demo workspace on an empty database: one staff admin,
// one client, and a project mid-delivery with a pending milestone approval.
func (s *Service) Bootstrap(ctx context.Context) error {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	if len(projects) > 0 {
		return nil
	}

	admin, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Email:       "priya@studiodesk.io",
		Password:    "studiodesk-admin",
		DisplayName: "Priya Raman",
	})
	if err != nil {
		return err
	}
	if err := s.store.UpdateUserRank(ctx, admin.UserID, "admin"); err != nil {
		return err
	}

	client, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Email:       "dana@mercergoods.com",
		Password:    "studiodesk-client",
		DisplayName: "Dana Mercer",
		CompanyName: "Mercer Goods",
	})
	if err != nil {
		return err
	}

	project := store.Project{
		ID:        util.NewID("prj"),
		Name:      "Atlas Redesign",
		ClientID:  client.UserID,
		ManagerID: admin.UserID,
		Scope:     "Full marketing site rebuild with a new design system and checkout flow.",
		Status:    "active",
		Progress:  40,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return err
	}

	milestoneSeeds := []struct {
		Title   string
		Details string
		Status  string
	}{
		{Title: "Design system", Details: "Tokens, components, and page templates.", Status: "completed"},
		{Title: "Checkout flow", Details: "Cart, payment, and confirmation screens.", Status: "in_progress"},
		{Title: "Launch", Details: "Content migration and go-live.", Status: "not_started"},
	}
	milestoneIDs := make([]string, 0, len(milestoneSeeds))
	for i, seed := range milestoneSeeds {
		id := util.NewID("mls")
		milestoneIDs = append(milestoneIDs, id)
		if err := s.store.InsertMilestone(ctx, store.Milestone{
			ID:        id,
			ProjectID: project.ID,
			Title:     seed.Title,
			Details:   seed.Details,
			Status:    seed.Status,
			SortOrder: i,
		}); err != nil {
			return err
		}
	}

	if err := s.store.InsertPayment(ctx, store.Payment{
		ID:          util.NewID("pay"),
		ProjectID:   project.ID,
		Description: "Deposit",
		AmountCents: 250000,
		Currency:    "USD",
		Status:      "paid",
	}); err != nil {
		return err
	}
	if err := s.store.InsertPayment(ctx, store.Payment{
		ID:          util.NewID("pay"),
		ProjectID:   project.ID,
		MilestoneID: &milestoneIDs[0],
		Description: "Design system delivery",
		AmountCents: 500000,
		Currency:    "USD",
		Status:      "unpaid",
	}); err != nil {
		return err
	}

	if err := s.store.InsertApproval(ctx, store.Approval{
		ID:              util.NewID("apv"),
		ProjectID:       project.ID,
		SubjectType:     "milestone",
		MilestoneID:     &milestoneIDs[0],
		Title:           "Design system sign-off",
		Description:     "Please review the component library and approve the milestone.",
		RequestedBy:     admin.UserID,
		RequestedByName: "Priya Raman",
	}); err != nil {
		return err
	}

	return s.store.InsertChangeRequest(ctx, store.ChangeRequest{
		ID:              util.NewID("chr"),
		ProjectID:       project.ID,
		Title:           "Add gift card support to checkout",
		Description:     "Customers keep asking for gift cards; can we fit this into the checkout milestone?",
		Status:          "pending",
		RequestedBy:     client.UserID,
		RequestedByName: "Dana Mercer",
	})
}

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The session backend may only carry the user ID; reload the full
	// record so the reissued claims have the current name and rank.
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Rank: user.Rank,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Rank:         user.Rank,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Rank:      user.Rank,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(rank string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(rank), action)
}

func isStaffSession(session Session) bool {
	return rbac.IsStaff(rbac.Normalize(session.Rank))
}

// requireAction runs after the visibility guard so a client who cannot see
// a project gets a 404 before any 403.
func (s *Service) requireAction(session Session, action rbac.Action) error {
	if !rbac.Can(rbac.Normalize(session.Rank), action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// visibleProject is the access guard for every project-scoped operation.
// Staff see all projects; a client sees only their own. An invisible
// project reads as sql.ErrNoRows so the transport answers 404, never 403.
func (s *Service) visibleProject(ctx context.Context, session Session, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if !isStaffSession(session) && project.ClientID != session.UserID {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (s *Service) Dashboard(ctx context.Context, session Session) (map[string]any, error) {
	clientID := ""
	if !isStaffSession(session) {
		clientID = session.UserID
	}
	summary, err := s.store.Dashboard(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"projects":         summary.Projects,
		"activeProjects":   summary.ActiveProjects,
		"pendingApprovals": summary.PendingApprovals,
		"openRequests":     summary.OpenRequests,
		"lockedPayments":   summary.LockedPayments,
		"unlockedPayments": summary.UnlockedPayments,
	}, nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) (map[string]any, error) {
	var (
		projects []store.Project
		err      error
	)
	if isStaffSession(session) {
		projects, err = s.store.ListProjects(ctx)
	} else {
		projects, err = s.store.ListProjectsByClient(ctx, session.UserID)
	}
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		items = append(items, projectPayload(project))
	}
	return map[string]any{"projects": items}, nil
}

func (s *Service) CreateProject(ctx context.Context, session Session, input CreateProjectInput) (map[string]any, error) {
	if err := s.requireAction(session, rbac.ActionManage); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	clientID := strings.TrimSpace(input.ClientID)
	if clientID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "clientId is required", nil)
	}
	if _, err := s.store.GetUserByID(ctx, clientID); err != nil {
		if err == sql.ErrNoRows {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "clientId does not reference a known user", nil)
		}
		return nil, err
	}
	status := firstNonBlank(strings.TrimSpace(input.Status), "active")
	if _, ok := allowedProjectStatuses[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of active, paused, completed, archived", nil)
	}

	project := store.Project{
		ID:        util.NewID("prj"),
		Name:      name,
		ClientID:  clientID,
		ManagerID: session.UserID,
		Scope:     strings.TrimSpace(input.Scope),
		Status:    status,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return nil, err
	}

	s.indexProject(project)
	return projectPayload(project), nil
}

// GetProject returns the assembled project view: the aggregate plus its
// milestones, payments, approvals with comment threads, and change
// requests. Reviewers re-fetch this after a decision to see the cascade.
func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, err := s.visibleProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}

	milestones, err := s.store.ListMilestones(ctx, projectID)
	if err != nil {
		return nil, err
	}
	payments, err := s.store.ListPayments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	approvals, err := s.store.ListApprovals(ctx, projectID)
	if err != nil {
		return nil, err
	}
	requests, err := s.store.ListChangeRequests(ctx, projectID)
	if err != nil {
		return nil, err
	}

	payload := projectPayload(project)

	milestoneItems := make([]map[string]any, 0, len(milestones))
	for _, m := range milestones {
		milestoneItems = append(milestoneItems, milestonePayload(m))
	}
	payload["milestones"] = milestoneItems

	paymentItems := make([]map[string]any, 0, len(payments))
	for _, p := range payments {
		paymentItems = append(paymentItems, paymentPayload(p))
	}
	payload["payments"] = paymentItems

	approvalItems := make([]map[string]any, 0, len(approvals))
	for _, a := range approvals {
		comments, err := s.store.ListApprovalComments(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		item := approvalPayload(a)
		commentItems := make([]map[string]any, 0, len(comments))
		for _, c := range comments {
			commentItems = append(commentItems, commentPayload(c))
		}
		item["comments"] = commentItems
		approvalItems = append(approvalItems, item)
	}
	payload["approvals"] = approvalItems

	requestItems := make([]map[string]any, 0, len(requests))
	for _, cr := range requests {
		requestItems = append(requestItems, requestPayload(cr))
	}
	payload["changeRequests"] = requestItems

	return payload, nil
}

func (s *Service) UpdateProject(ctx context.Context, session Session, projectID string, input UpdateProjectInput) (map[string]any, error) {
	project, err := s.visibleProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAction(session, rbac.ActionManage); err != nil {
		return nil, err
	}

	if status := strings.TrimSpace(input.Status); status != "" {
		if _, ok := allowedProjectStatuses[status]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of active, paused, completed, archived", nil)
		}
		project.Status = status
	}
	if name := strings.TrimSpace(input.Name); name != "" {
		project.Name = name
	}
	if scope := strings.TrimSpace(input.Scope); scope != "" {
		project.Scope = scope
	}
	if input.Progress != nil {
		if *input.Progress < 0 || *input.Progress > 100 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "progress must be between 0 and 100", nil)
		}
		project.Progress = *input.Progress
	}

	if err := s.store.UpdateProject(ctx, project); err != nil {
		return nil, err
	}

	s.indexProject(project)
	return projectPayload(project), nil
}

func (s *Service) ListMilestones(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	if _, err := s.visibleProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	milestones, err := s.store.ListMilestones(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(milestones))
	for _, m := range milestones {
		items = append(items, milestonePayload(m))
	}
	return map[string]any{"milestones": items}, nil
}

func (s *Service) CreateMilestone(ctx context.Context, session Session, projectID string, input CreateMilestoneInput) (map[string]any, error) {
	if _, err := s.visibleProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	if err := s.requireAction(session, rbac.ActionManage); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	milestone := store.Milestone{
		ID:        util.NewID("mls"),
		ProjectID: projectID,
		Title:     title,
		Details:   strings.TrimSpace(input.Details),
		DueDate:   input.DueDate,
		Status:    "not_started",
		SortOrder: input.SortOrder,
	}
	if err := s.store.InsertMilestone(ctx, milestone); err != nil {
		return nil, err
	}
	milestone.ApprovalStatus = "pending"
	return milestonePayload(milestone), nil
}

// UpdateMilestoneStatus moves the execution status. It never touches the
// approval overlay; the two progress independently.
func (s *Service) UpdateMilestoneStatus(ctx context.Context, session Session, projectID, milestoneID, status string) (map[string]any, error) {
	if _, err := s.visibleProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	if err := s.requireAction(session, rbac.ActionManage); err != nil {
		return nil, err
	}
	if _, ok := allowedMilestoneStatuses[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of not_started, in_progress, completed", nil)
	}
	if err := s.store.UpdateMilestoneStatus(ctx, projectID, milestoneID, status); err != nil {
		return nil, err
	}
	milestone, err := s.store.GetMilestone(ctx, projectID, milestoneID)
	if err != nil {
		return nil, err
	}
	return milestonePayload(milestone), nil
}

func (s *Service) ListPayments(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	if _, err := s.visibleProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	payments, err := s.store.ListPayments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(payments))
	for _, p := range payments {
		items = append(items, paymentPayload(p))
	}
	return map[string]any{"payments": items}, nil
}

func (s *Service) CreatePayment(ctx context.Context, session Session, projectID string, input CreatePaymentInput) (map[string]any, error) {
	if _, err := s.visibleProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	if err := s.requireAction(session, rbac.ActionManage); err != nil {
		return nil, err
	}
	if input.AmountCents <= 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "amountCents must be positive", nil)
	}
	currency := firstNonBlank(strings.ToUpper(strings.TrimSpace(input.Currency)), "USD")
	if !validCurrencyCode(currency) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "currency must be a 3-letter code", nil)
	}
	if input.MilestoneID != nil {
		if _, err := s.store.GetMilestone(ctx, projectID, *input.MilestoneID); err != nil {
			if err == sql.ErrNoRows {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "milestoneId does not reference a milestone in this project", nil)
			}
			return nil, err
		}
	}

	payment := store.Payment{
		ID:          util.NewID("pay"),
		ProjectID:   projectID,
		MilestoneID: input.MilestoneID,
		Description: strings.TrimSpace(input.Description),
		AmountCents: input.AmountCents,
		Currency:    currency,
		DueDate:     input.DueDate,
		Status:      "unpaid",
	}
	if err := s.store.InsertPayment(ctx, payment); err != nil {
		return nil, err
	}
	// Re-read to pick up the unlocked flag derived at insert.
	created, err := s.store.GetPayment(ctx, projectID, payment.ID)
	if err != nil {
		return nil, err
	}
	return paymentPayload(created), nil
}

func (s *Service) UpdatePaymentStatus(ctx context.Context, session Session, projectID, paymentID, status string) (map[string]any, error) {
	if _, err := s.visibleProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	if err := s.requireAction(session, rbac.ActionManage); err != nil {
		return nil, err
	}
	if _, ok := allowedPaymentStatuses[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of unpaid, invoiced, paid", nil)
	}

	payment, err := s.store.GetPayment(ctx, projectID, paymentID)
	if err != nil {
		return nil, err
	}
	if status == "paid" && !payment.Unlocked {
		return nil, domainError(http.StatusConflict, "PAYMENT_LOCKED", "Payment is locked until its milestone is approved", nil)
	}

	if err := s.store.UpdatePaymentStatus(ctx, projectID, paymentID, status); err != nil {
		return nil, err
	}
	payment.Status = status
	return paymentPayload(payment), nil
}

// UnlockMilestonePayments re-runs the unlock for an approved milestone.
// The review transaction normally does this; the endpoint exists for
// payments added after the fact. Idempotent, and never reversible.
func (s *Service) UnlockMilestonePayments(ctx context.Context, session Session, projectID, milestoneID string) (map[string]any, error) {
	if _, err := s.visibleProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	if err := s.requireAction(session, rbac.ActionManage); err != nil {
		return nil, err
	}
	milestone, err := s.store.GetMilestone(ctx, projectID, milestoneID)
	if err != nil {
		return nil, err
	}
	if milestone.ApprovalStatus != "approved" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "milestone is not approved", map[string]any{"approvalStatus": milestone.ApprovalStatus})
	}
	unlocked, err := s.store.UnlockMilestonePayments(ctx, projectID, milestoneID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"milestoneId": milestoneID, "paymentsUnlocked": unlocked}, nil
}

func (s *Service) ListApprovals(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	if _, err := s.visibleProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	approvals, err := s.store.ListApprovals(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(approvals))
	for _, a := range approvals {
		items = append(items, approvalPayload(a))
	}
	return map[string]any{"approvals": items}, nil
}

func (s *Service) GetApproval(ctx context.Context, session Session, projectID, approvalID string) (map[string]any, error) {
	if _, err := s.visibleProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	approval, err := s.store.GetApproval(ctx, projectID, approvalID)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListApprovalComments(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	payload := approvalPayload(approval)
	commentItems := make([]map[string]any, 0, len(comments))
	for _, c := range comments {
		commentItems = append(commentItems, commentPayload(c))
	}
	payload["comments"] = commentItems
	return payload, nil
}

func (s *Service) CreateApproval(ctx context.Context, session Session, projectID string, input CreateApprovalInput) (map[string]any, error) {
	project, err := s.visibleProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAction(session, rbac.ActionRequest); err != nil {
		return nil, err
	}

	if _, ok := allowedSubjectTypes[input.SubjectType]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "subjectType must be one of design, feature, budget, scope_change, milestone", nil)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if input.SubjectType == "milestone" {
		if input.MilestoneID == nil || strings.TrimSpace(*input.MilestoneID) == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "milestone approvals require milestoneId", nil)
		}
		if _, err := s.store.GetMilestone(ctx, projectID, *input.MilestoneID); err != nil {
			if err == sql.ErrNoRows {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "milestoneId does not reference a milestone in this project", nil)
			}
			return nil, err
		}
	} else if input.MilestoneID != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "milestoneId is only valid for milestone approvals", nil)
	}

	approval := store.Approval{
		ID:              util.NewID("apv"),
		ProjectID:       projectID,
		SubjectType:     input.SubjectType,
		MilestoneID:     input.MilestoneID,
		Title:           title,
		Description:     strings.TrimSpace(input.Description),
		Status:          "pending",
		RequestedBy:     session.UserID,
		RequestedByName: session.UserName,
	}
	if err := s.store.InsertApproval(ctx, approval); err != nil {
		return nil, err
	}

	s.indexApproval(approval, project.ClientID)
	return approvalPayload(approval), nil
}

// AddApprovalComment appends to the discussion thread. The thread stays
// open after the decision.
func (s *Service) AddApprovalComment(ctx context.Context, session Session, projectID, approvalID, body string) (map[string]any, error) {
	if _, err := s.visibleProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	if err := s.requireAction(session, rbac.ActionComment); err != nil {
		return nil, err
	}
	if _, err := s.store.GetApproval(ctx, projectID, approvalID); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(body)
	if text == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}

	comment := store.ApprovalComment{
		ID:         util.NewID("cmt"),
		ApprovalID: approvalID,
		AuthorID:   session.UserID,
		AuthorName: session.UserName,
		Body:       text,
	}
	if err := s.store.InsertApprovalComment(ctx, comment); err != nil {
		return nil, err
	}
	return commentPayload(comment), nil
}

// ReviewApproval decides a pending approval. The decision, the milestone
// approval overlay, the payment unlock, and the optional reviewer note all
// commit in one transaction or not at all. A decision is final: the second
// reviewer of the same approval gets a conflict, regardless of timing.
func (s *Service) ReviewApproval(ctx context.Context, session Session, projectID, approvalID string, input ReviewApprovalInput) (map[string]any, error) {
	project, err := s.visibleProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAction(session, rbac.ActionReview); err != nil {
		return nil, err
	}
	if _, ok := allowedDecisions[input.Decision]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "decision must be approved or changes_requested", nil)
	}

	approval, err := s.store.GetApproval(ctx, projectID, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Status != "pending" {
		return nil, domainError(http.StatusConflict, "ALREADY_DECIDED", "Approval has already been decided", map[string]any{"status": approval.Status})
	}

	params := store.DecideApprovalParams{
		ProjectID:    projectID,
		ApprovalID:   approvalID,
		SubjectType:  approval.SubjectType,
		MilestoneID:  approval.MilestoneID,
		Decision:     input.Decision,
		Comment:      strings.TrimSpace(input.Comment),
		ReviewerID:   session.UserID,
		ReviewerName: session.UserName,
	}
	// A follow-up note goes to the thread only when it says something the
	// decision comment does not.
	if note := strings.TrimSpace(input.Note); note != "" && note != params.Comment {
		params.NoteID = util.NewID("cmt")
		params.Note = note
	}

	outcome, err := s.store.DecideApproval(ctx, params)
	if err != nil {
		return nil, err
	}
	if !outcome.Decided {
		// Lost the race against a concurrent reviewer.
		details := map[string]any{}
		if current, err := s.store.GetApproval(ctx, projectID, approvalID); err == nil {
			details["status"] = current.Status
		}
		return nil, domainError(http.StatusConflict, "ALREADY_DECIDED", "Approval has already been decided", details)
	}

	decided, err := s.store.GetApproval(ctx, projectID, approvalID)
	if err != nil {
		return nil, err
	}

	s.indexApproval(decided, project.ClientID)
	s.notifyDecision(decided, project)

	payload := approvalPayload(decided)
	payload["milestoneUpdated"] = outcome.MilestoneUpdated
	payload["paymentsUnlocked"] = outcome.PaymentsUnlocked
	return payload, nil
}

func (s *Service) ListChangeRequests(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	if _, err := s.visibleProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	requests, err := s.store.ListChangeRequests(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(requests))
	for _, cr := range requests {
		items = append(items, requestPayload(cr))
	}
	return map[string]any{"changeRequests": items}, nil
}

func (s *Service) CreateChangeRequest(ctx context.Context, session Session, projectID string, input CreateChangeRequestInput) (map[string]any, error) {
	project, err := s.visibleProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAction(session, rbac.ActionRequest); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	request := store.ChangeRequest{
		ID:              util.NewID("chr"),
		ProjectID:       projectID,
		Title:           title,
		Description:     strings.TrimSpace(input.Description),
		Status:          "pending",
		RequestedBy:     session.UserID,
		RequestedByName: session.UserName,
	}
	if err := s.store.InsertChangeRequest(ctx, request); err != nil {
		return nil, err
	}

	s.indexRequest(request, project.ClientID)
	return requestPayload(request), nil
}

func (s *Service) ReviewChangeRequest(ctx context.Context, session Session, projectID, requestID string, input ReviewChangeRequestInput) (map[string]any, error) {
	project, err := s.visibleProject(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAction(session, rbac.ActionReview); err != nil {
		return nil, err
	}
	if _, ok := allowedRequestReviewStatuses[input.Status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of in_review, approved, rejected", nil)
	}
	if _, err := s.store.GetChangeRequest(ctx, projectID, requestID); err != nil {
		return nil, err
	}

	changed, err := s.store.ReviewChangeRequest(ctx, projectID, requestID, input.Status, strings.TrimSpace(input.Response), session.UserName)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, domainError(http.StatusConflict, "ALREADY_DECIDED", "Change request has already been resolved", nil)
	}

	request, err := s.store.GetChangeRequest(ctx, projectID, requestID)
	if err != nil {
		return nil, err
	}
	s.indexRequest(request, project.ClientID)
	return requestPayload(request), nil
}

func (s *Service) Search(ctx context.Context, session Session, q, filterType, projectID string, limit, offset int) (map[string]any, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := search.Query{
		Text:            q,
		FilterType:      search.ResultType(filterType),
		FilterProjectID: projectID,
		Limit:           limit,
		Offset:          offset,
	}
	if !isStaffSession(session) {
		query.ClientID = session.UserID
	}

	if s.searcher == nil {
		return map[string]any{"results": []search.Result{}, "total": 0, "query": q}, nil
	}
	response := s.searcher.Search(query)
	return map[string]any{
		"results": response.Results,
		"total":   response.Total,
		"query":   response.Query,
	}, nil
}

func (s *Service) ExportStatement(ctx context.Context, session Session, projectID, format string) (*export.Result, error) {
	if _, err := s.visibleProject(ctx, session, projectID); err != nil {
		return nil, err
	}
	exportFormat := export.Format(firstNonBlank(format, string(export.FormatPDF)))
	if exportFormat != export.FormatPDF && exportFormat != export.FormatHTML {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be pdf or html", nil)
	}
	return s.exporter.Export(ctx, export.Request{ProjectID: projectID, Format: exportFormat})
}

func (s *Service) SetUserRank(ctx context.Context, session Session, userID, rank string) (map[string]any, error) {
	if rbac.Normalize(session.Rank) != rbac.RankAdmin {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only admins can change ranks", nil)
	}
	if _, ok := allowedRanks[rank]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "rank must be one of client, viewer, editor, admin", nil)
	}
	if err := s.store.UpdateUserRank(ctx, userID, rank); err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":          user.ID,
		"displayName": user.DisplayName,
		"email":       user.Email,
		"rank":        user.Rank,
	}, nil
}

// ReindexSearch pushes every searchable entity into Meilisearch.
func (s *Service) ReindexSearch(ctx context.Context) {
	if s.searcher != nil {
		s.searcher.ReindexAllFromPG(ctx)
	}
}

func (s *Service) indexProject(project store.Project) {
	if s.searcher == nil {
		return
	}
	s.searcher.IndexProject(search.ProjectRecord{
		ID:       project.ID,
		Name:     project.Name,
		Scope:    project.Scope,
		ClientID: project.ClientID,
		Status:   project.Status,
	})
}

func (s *Service) indexApproval(approval store.Approval, clientID string) {
	if s.searcher == nil {
		return
	}
	s.searcher.IndexApproval(search.ApprovalRecord{
		ID:          approval.ID,
		Title:       approval.Title,
		Description: approval.Description,
		SubjectType: approval.SubjectType,
		ProjectID:   approval.ProjectID,
		ClientID:    clientID,
		Status:      approval.Status,
	})
}

func (s *Service) indexRequest(request store.ChangeRequest, clientID string) {
	if s.searcher == nil {
		return
	}
	s.searcher.IndexRequest(search.RequestRecord{
		ID:          request.ID,
		Title:       request.Title,
		Description: request.Description,
		ProjectID:   request.ProjectID,
		ClientID:    clientID,
		Status:      request.Status,
	})
}

// notifyDecision emails the requester about the outcome. Fire-and-forget;
// a mail failure never fails the review.
func (s *Service) notifyDecision(approval store.Approval, project store.Project) {
	if !s.SMTPConfigured() {
		return
	}
	mailer := s.mailer
	dataStore := s.store
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		requester, err := dataStore.GetUserByID(ctx, approval.RequestedBy)
		if err != nil || requester.Email == "" {
			return
		}
		if err := mailer.SendDecisionNotice(requester.Email, requester.DisplayName, project.Name, approval.Title, approval.Status, approval.DecisionComment); err != nil {
			log.Printf("email: decision notice for %s: %v", approval.ID, err)
		}
	}()
}

// exportStoreAdapter narrows the primary store to what the statement
// renderer needs.
type exportStoreAdapter struct {
	store dataStore
}

func (a *exportStoreAdapter) GetProject(ctx context.Context, id string) (export.ProjectInfo, error) {
	project, err := a.store.GetProject(ctx, id)
	if err != nil {
		return export.ProjectInfo{}, err
	}
	return export.ProjectInfo{
		ID:        project.ID,
		Name:      project.Name,
		ClientID:  project.ClientID,
		Scope:     project.Scope,
		Status:    project.Status,
		Progress:  project.Progress,
		UpdatedAt: project.UpdatedAt,
	}, nil
}

func (a *exportStoreAdapter) GetClient(ctx context.Context, userID string) (export.ClientInfo, error) {
	user, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return export.ClientInfo{}, err
	}
	return export.ClientInfo{
		Name:    user.DisplayName,
		Email:   user.Email,
		Company: user.CompanyName,
	}, nil
}

func (a *exportStoreAdapter) ListMilestones(ctx context.Context, projectID string) ([]export.MilestoneInfo, error) {
	milestones, err := a.store.ListMilestones(ctx, projectID)
	if err != nil {
		return nil, err
	}
	infos := make([]export.MilestoneInfo, 0, len(milestones))
	for _, m := range milestones {
		infos = append(infos, export.MilestoneInfo{
			Title:           m.Title,
			Status:          m.Status,
			ApprovalStatus:  m.ApprovalStatus,
			ApprovalComment: m.ApprovalComment,
			DueDate:         m.DueDate,
		})
	}
	return infos, nil
}

func (a *exportStoreAdapter) ListPayments(ctx context.Context, projectID string) ([]export.PaymentInfo, error) {
	payments, err := a.store.ListPayments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	infos := make([]export.PaymentInfo, 0, len(payments))
	for _, p := range payments {
		infos = append(infos, export.PaymentInfo{
			Description: p.Description,
			AmountCents: p.AmountCents,
			Currency:    p.Currency,
			Status:      p.Status,
			Unlocked:    p.Unlocked,
			DueDate:     p.DueDate,
		})
	}
	return infos, nil
}

func projectPayload(project store.Project) map[string]any {
	return map[string]any{
		"id":        project.ID,
		"name":      project.Name,
		"clientId":  project.ClientID,
		"managerId": project.ManagerID,
		"scope":     project.Scope,
		"status":    project.Status,
		"progress":  project.Progress,
		"createdAt": project.CreatedAt,
		"updatedAt": project.UpdatedAt,
	}
}

func milestonePayload(m store.Milestone) map[string]any {
	return map[string]any{
		"id":              m.ID,
		"projectId":       m.ProjectID,
		"title":           m.Title,
		"details":         m.Details,
		"dueDate":         m.DueDate,
		"status":          m.Status,
		"approvalStatus":  m.ApprovalStatus,
		"approvalComment": m.ApprovalComment,
		"approvalAt":      m.ApprovalAt,
		"sortOrder":       m.SortOrder,
	}
}

func paymentPayload(p store.Payment) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"projectId":   p.ProjectID,
		"milestoneId": p.MilestoneID,
		"description": p.Description,
		"amountCents": p.AmountCents,
		"currency":    p.Currency,
		"dueDate":     p.DueDate,
		"status":      p.Status,
		"unlocked":    p.Unlocked,
	}
}

func approvalPayload(a store.Approval) map[string]any {
	return map[string]any{
		"id":              a.ID,
		"projectId":       a.ProjectID,
		"subjectType":     a.SubjectType,
		"milestoneId":     a.MilestoneID,
		"title":           a.Title,
		"description":     a.Description,
		"status":          a.Status,
		"requestedBy":     a.RequestedBy,
		"requestedByName": a.RequestedByName,
		"reviewedBy":      a.ReviewedBy,
		"reviewedByName":  a.ReviewedByName,
		"decisionComment": a.DecisionComment,
		"decidedAt":       a.DecidedAt,
		"createdAt":       a.CreatedAt,
	}
}

func commentPayload(c store.ApprovalComment) map[string]any {
	return map[string]any{
		"id":         c.ID,
		"approvalId": c.ApprovalID,
		"authorId":   c.AuthorID,
		"authorName": c.AuthorName,
		"body":       c.Body,
		"createdAt":  c.CreatedAt,
	}
}

func requestPayload(cr store.ChangeRequest) map[string]any {
	return map[string]any{
		"id":              cr.ID,
		"projectId":       cr.ProjectID,
		"title":           cr.Title,
		"description":     cr.Description,
		"status":          cr.Status,
		"response":        cr.Response,
		"requestedBy":     cr.RequestedBy,
		"requestedByName": cr.RequestedByName,
		"reviewedByName":  cr.ReviewedByName,
		"reviewedAt":      cr.ReviewedAt,
		"createdAt":       cr.CreatedAt,
	}
}

func validCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
