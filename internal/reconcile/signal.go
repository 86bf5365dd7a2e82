// Package reconcile polls subscription state for signed-in users and
// triggers a resync when it drifts from what the session last saw.
package reconcile

import (
	"strings"
	"time"

	subscriptiondomain "github.com/smallbiznis/speechgate/internal/subscription/domain"
)

// Signal names one kind of detected drift.
type Signal string

const (
	SignalPlanChanged       Signal = "plan_changed"
	SignalStatusChanged     Signal = "status_changed"
	SignalEndDateChanged    Signal = "end_date_changed"
	SignalUpdatedAtAdvanced Signal = "updated_at_advanced"
	SignalRecentlyUpdated   Signal = "recently_updated"
)

// Route hints how damaging a stale permissive decision would be for the
// screen the user is on.
type Route string

const (
	RouteDefault   Route = "default"
	RouteAuthoring Route = "authoring"
)

// ParseRoute maps a client route hint. Anything unrecognized is default.
func ParseRoute(raw string) Route {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "authoring", "speech_authoring", "editor":
		return RouteAuthoring
	default:
		return RouteDefault
	}
}

// Observation is the poller state Detect compares against.
type Observation struct {
	Baseline *subscriptiondomain.Snapshot
	// LastPollAt is when the baseline was last confirmed.
	LastPollAt time.Time
	// LastRecentUpdate is the updated_at for which recently_updated already fired.
	LastRecentUpdate time.Time
}

// Detect lists the drift signals current raises against obs at now.
func Detect(obs Observation, current subscriptiondomain.Snapshot, now time.Time, recentWindow time.Duration) []Signal {
	var signals []Signal
	prev := obs.Baseline

	if prev != nil {
		if subscriptiondomain.NormalizePlan(prev.Plan) != subscriptiondomain.NormalizePlan(current.Plan) {
			signals = append(signals, SignalPlanChanged)
		}
		if subscriptiondomain.NormalizeStatus(prev.Status) != subscriptiondomain.NormalizeStatus(current.Status) {
			signals = append(signals, SignalStatusChanged)
		}
		if !sameInstant(prev.EndDate, current.EndDate) {
			signals = append(signals, SignalEndDateChanged)
		}
	}

	// a record stamped ahead of our clock would otherwise fire on every tick
	advanced := current.UpdatedAt.After(obs.LastPollAt)
	if prev != nil && !current.UpdatedAt.After(prev.UpdatedAt) {
		advanced = false
	}
	if advanced {
		signals = append(signals, SignalUpdatedAtAdvanced)
	}

	if recentWindow > 0 && !current.UpdatedAt.IsZero() &&
		!current.UpdatedAt.Equal(obs.LastRecentUpdate) &&
		now.Sub(current.UpdatedAt) <= recentWindow &&
		!current.UpdatedAt.After(now) {
		signals = append(signals, SignalRecentlyUpdated)
	}
	return signals
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
