package rbac

type Rank string
type Action string

const (
	RankClient Rank = "client"
	RankViewer Rank = "viewer"
	RankEditor Rank = "editor"
	RankAdmin  Rank = "admin"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionRequest Action = "request"
	ActionReview  Action = "review"
	ActionManage  Action = "manage"
)

func Can(rank Rank, action Action) bool {
	switch rank {
	case RankAdmin:
		return true
	case RankEditor:
		return action == ActionRead || action == ActionComment || action == ActionRequest || action == ActionReview || action == ActionManage
	case RankClient:
		return action == ActionRead || action == ActionComment || action == ActionRequest
	case RankViewer:
		return action == ActionRead
	default:
		return false
	}
}

// IsStaff reports whether the rank sees every project. Clients only see
// projects they own.
func IsStaff(rank Rank) bool {
	return rank == RankAdmin || rank == RankEditor || rank == RankViewer
}

// Normalize maps unknown ranks to client, the narrowest visibility.
func Normalize(rank string) Rank {
	switch Rank(rank) {
	case RankClient, RankViewer, RankEditor, RankAdmin:
		return Rank(rank)
	default:
		return RankClient
	}
}
