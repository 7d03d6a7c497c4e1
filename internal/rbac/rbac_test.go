package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		rank   Rank
		action Action
		allow  bool
	}{
		{name: "viewer read", rank: RankViewer, action: ActionRead, allow: true},
		{name: "viewer comment", rank: RankViewer, action: ActionComment, allow: false},
		{name: "viewer review", rank: RankViewer, action: ActionReview, allow: false},
		{name: "client read", rank: RankClient, action: ActionRead, allow: true},
		{name: "client comment", rank: RankClient, action: ActionComment, allow: true},
		{name: "client request", rank: RankClient, action: ActionRequest, allow: true},
		{name: "client review", rank: RankClient, action: ActionReview, allow: false},
		{name: "client manage", rank: RankClient, action: ActionManage, allow: false},
		{name: "editor review", rank: RankEditor, action: ActionReview, allow: true},
		{name: "editor manage", rank: RankEditor, action: ActionManage, allow: true},
		{name: "admin review", rank: RankAdmin, action: ActionReview, allow: true},
		{name: "admin manage", rank: RankAdmin, action: ActionManage, allow: true},
		{name: "unknown rank", rank: Rank("intern"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.rank, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.rank, tc.action, got, tc.allow)
			}
		})
	}
}

func TestIsStaff(t *testing.T) {
	if IsStaff(RankClient) {
		t.Fatal("client must not be staff")
	}
	for _, r := range []Rank{RankViewer, RankEditor, RankAdmin} {
		if !IsStaff(r) {
			t.Fatalf("expected %q to be staff", r)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("admin"); got != RankAdmin {
		t.Fatalf("Normalize(admin) = %q", got)
	}
	if got := Normalize("superuser"); got != RankClient {
		t.Fatalf("Normalize(superuser) = %q, want client", got)
	}
}
