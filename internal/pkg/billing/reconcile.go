package billing

import "github.com/ManuelReschke/Vision/app/models"

// Upsert actions chosen by ResolveUpsertTarget.
const (
	UpsertInsert = "insert"
	UpsertPatch  = "patch"
)

// UpsertPlan says which row an upsert writes and with which credit settings.
type UpsertPlan struct {
	Action         string
	TargetID       uint
	Divergent      bool
	GrantPerPeriod int
	RollOverLimit  int
}

// ResolveUpsertTarget decides where an incoming subscription state lands,
// given the rows found by provider subscription id and by user id.
//
//   - polar row owned by the same user: patch it
//   - polar row owned by someone else: patch the user's row, or insert one
//   - only a user row: patch it
//   - nothing: insert
//
// Divergent is set when the two lookups disagree. Credit balance and cursor
// are never part of the plan; patches leave them untouched and inserts start
// at zero.
func ResolveUpsertTarget(byPolar, byUser *models.BillingSubscription, in UpsertInput, p Policy) UpsertPlan {
	plan := UpsertPlan{
		GrantPerPeriod: cascade(in.CreditsGrantPerPeriod, byPolar, byUser, func(s *models.BillingSubscription) int { return s.CreditsGrantPerPeriod }, p.DefaultGrant),
		RollOverLimit:  cascade(in.CreditsRollOverLimit, byPolar, byUser, func(s *models.BillingSubscription) int { return s.CreditsRollOverLimit }, p.DefaultRollOverLimit),
	}

	switch {
	case byPolar != nil && byPolar.UserID == in.UserID:
		plan.Action = UpsertPatch
		plan.TargetID = byPolar.ID
		plan.Divergent = byUser != nil && byUser.ID != byPolar.ID
	case byPolar != nil:
		plan.Divergent = true
		if byUser != nil {
			plan.Action = UpsertPatch
			plan.TargetID = byUser.ID
		} else {
			plan.Action = UpsertInsert
		}
	case byUser != nil:
		plan.Action = UpsertPatch
		plan.TargetID = byUser.ID
	default:
		plan.Action = UpsertInsert
	}
	return plan
}

func cascade(incoming *int, byPolar, byUser *models.BillingSubscription, get func(*models.BillingSubscription) int, def int) int {
	if incoming != nil {
		return *incoming
	}
	if byPolar != nil {
		return get(byPolar)
	}
	if byUser != nil {
		return get(byUser)
	}
	return def
}
