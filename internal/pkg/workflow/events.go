package workflow

// CreditsGranted is published after a grant that changed a balance.
type CreditsGranted struct {
	UserID    string `json:"userId"`
	Amount    int    `json:"amount"`
	Balance   int    `json:"balance"`
	PeriodEnd *int64 `json:"periodEnd"`
}

// SubscriptionSynced is published once per run after the upsert.
type SubscriptionSynced struct {
	UserID              string `json:"userId"`
	PolarSubscriptionID string `json:"polarSubscriptionId"`
	Status              string `json:"status"`
	CurrentPeriodEnd    *int64 `json:"currentPeriodEnd"`
}

// PreExpiry is published when a woken run finds the user still entitled.
type PreExpiry struct {
	UserID    string `json:"userId"`
	RunAt     int64  `json:"runAt"`
	PeriodEnd *int64 `json:"periodEnd"`
}
