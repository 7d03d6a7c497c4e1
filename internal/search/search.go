package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProject  ResultType = "project"
	ResultApproval ResultType = "approval"
	ResultRequest  ResultType = "request"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ProjectID string     `json:"projectId"`
	ClientID  string     `json:"clientId"`
	Status    string     `json:"status,omitempty"`
}

// Query describes a search request. ClientID, when set, restricts hits to
// projects owned by that client.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterProjectID string
	Limit           int
	Offset          int
	ClientID        string
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexProject(p ProjectRecord) error
	IndexApproval(a ApprovalRecord) error
	IndexRequest(r RequestRecord) error
	DeleteProject(id string) error
}

// ProjectRecord is the data we index for a project.
type ProjectRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Scope    string `json:"scope"`
	ClientID string `json:"clientId"`
	Status   string `json:"status"`
}

// ApprovalRecord is the data we index for an approval.
type ApprovalRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	SubjectType string `json:"subjectType"`
	ProjectID   string `json:"projectId"`
	ClientID    string `json:"clientId"`
	Status      string `json:"status"`
}

// RequestRecord is the data we index for a change request.
type RequestRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ProjectID   string `json:"projectId"`
	ClientID    string `json:"clientId"`
	Status      string `json:"status"`
}
