package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/Vision/internal/pkg/env"
)

// Grant policies selectable via BILLING_GRANT_POLICY.
const (
	// GrantModeAlways grants on any webhook whose subscription is entitled.
	GrantModeAlways = "always"
	// GrantModeLifecycle grants only on subscription-created or renewal events.
	GrantModeLifecycle = "lifecycle"
)

// Policy holds the engine-wide defaults.
type Policy struct {
	DefaultGrant         int
	DefaultRollOverLimit int
	ForcedGrantAmount    int
	BaselineCredits      int
	EntitledStatuses     map[string]struct{}
	GrantMode            string
	PreExpiryLead        time.Duration
	MinSleep             time.Duration
}

// DefaultPolicy returns the built-in defaults.
func DefaultPolicy() Policy {
	return Policy{
		DefaultGrant:         10,
		DefaultRollOverLimit: 100,
		ForcedGrantAmount:    10,
		BaselineCredits:      10,
		EntitledStatuses: map[string]struct{}{
			"active":   {},
			"trialing": {},
		},
		GrantMode:     GrantModeAlways,
		PreExpiryLead: 72 * time.Hour,
		MinSleep:      5 * time.Second,
	}
}

// PolicyFromEnv overlays BILLING_* settings on DefaultPolicy.
func PolicyFromEnv() Policy {
	p := DefaultPolicy()
	p.DefaultGrant = env.GetEnvInt("BILLING_DEFAULT_GRANT", p.DefaultGrant)
	p.DefaultRollOverLimit = env.GetEnvInt("BILLING_DEFAULT_ROLLOVER_LIMIT", p.DefaultRollOverLimit)
	p.ForcedGrantAmount = env.GetEnvInt("BILLING_FORCED_GRANT", p.ForcedGrantAmount)
	p.BaselineCredits = env.GetEnvInt("BILLING_BASELINE_CREDITS", p.BaselineCredits)
	p.PreExpiryLead = env.GetEnvDuration("BILLING_PRE_EXPIRY_LEAD", p.PreExpiryLead)

	switch mode := strings.ToLower(strings.TrimSpace(env.GetEnv("BILLING_GRANT_POLICY", p.GrantMode))); mode {
	case GrantModeAlways, GrantModeLifecycle:
		p.GrantMode = mode
	}
	return p
}

// IsEntitledStatus reports whether status is eligible for grants.
func (p Policy) IsEntitledStatus(status string) bool {
	_, ok := p.EntitledStatuses[strings.ToLower(strings.TrimSpace(status))]
	return ok
}

// WakeAt computes when a sleeping run should re-check entitlement.
func (p Policy) WakeAt(now, periodEnd time.Time) time.Time {
	earliest := now.Add(p.MinSleep)
	target := periodEnd.Add(-p.PreExpiryLead)
	if target.Before(earliest) {
		return earliest
	}
	return target
}
