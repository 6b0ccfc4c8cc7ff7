package billing

import (
	"testing"

	"github.com/ManuelReschke/Vision/app/models"
)

func intPtr(v int) *int { return &v }

func TestResolveUpsertTarget(t *testing.T) {
	policy := DefaultPolicy()
	polarU1 := &models.BillingSubscription{ID: 1, UserID: "u1", CreditsGrantPerPeriod: 20, CreditsRollOverLimit: 200}
	polarU9 := &models.BillingSubscription{ID: 2, UserID: "u9", CreditsGrantPerPeriod: 30, CreditsRollOverLimit: 300}
	userU1 := &models.BillingSubscription{ID: 3, UserID: "u1", CreditsGrantPerPeriod: 40, CreditsRollOverLimit: 400}

	tests := []struct {
		name      string
		byPolar   *models.BillingSubscription
		byUser    *models.BillingSubscription
		in        UpsertInput
		action    string
		target    uint
		divergent bool
		grant     int
		limit     int
	}{
		{
			name:    "polar row owned by same user",
			byPolar: polarU1, byUser: polarU1,
			in:     UpsertInput{UserID: "u1"},
			action: UpsertPatch, target: 1, grant: 20, limit: 200,
		},
		{
			name:    "polar row same user but user lookup found another row",
			byPolar: polarU1, byUser: userU1,
			in:     UpsertInput{UserID: "u1"},
			action: UpsertPatch, target: 1, divergent: true, grant: 20, limit: 200,
		},
		{
			name:    "polar row reassigned, user row exists",
			byPolar: polarU9, byUser: userU1,
			in:     UpsertInput{UserID: "u1"},
			action: UpsertPatch, target: 3, divergent: true, grant: 30, limit: 300,
		},
		{
			name:    "polar row reassigned, no user row",
			byPolar: polarU9,
			in:      UpsertInput{UserID: "u1"},
			action:  UpsertInsert, divergent: true, grant: 30, limit: 300,
		},
		{
			name:   "only user row",
			byUser: userU1,
			in:     UpsertInput{UserID: "u1"},
			action: UpsertPatch, target: 3, grant: 40, limit: 400,
		},
		{
			name:   "nothing found uses hard defaults",
			in:     UpsertInput{UserID: "u1"},
			action: UpsertInsert, grant: 10, limit: 100,
		},
		{
			name:    "incoming credit settings win",
			byPolar: polarU1, byUser: polarU1,
			in:     UpsertInput{UserID: "u1", CreditsGrantPerPeriod: intPtr(0), CreditsRollOverLimit: intPtr(50)},
			action: UpsertPatch, target: 1, grant: 0, limit: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveUpsertTarget(tt.byPolar, tt.byUser, tt.in, policy)
			if got.Action != tt.action || got.TargetID != tt.target || got.Divergent != tt.divergent {
				t.Fatalf("plan = %+v, want action=%s target=%d divergent=%v", got, tt.action, tt.target, tt.divergent)
			}
			if got.GrantPerPeriod != tt.grant || got.RollOverLimit != tt.limit {
				t.Fatalf("credits = %d/%d, want %d/%d", got.GrantPerPeriod, got.RollOverLimit, tt.grant, tt.limit)
			}
		})
	}
}
