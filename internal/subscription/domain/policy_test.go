package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var evalNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func timePtr(t time.Time) *time.Time { return &t }

func TestEvaluate(t *testing.T) {
	evaluator := NewEvaluator(72 * time.Hour)

	cases := []struct {
		name   string
		record SubscriptionRecord
		want   EffectivePlanStatus
	}{
		{
			name:   "pro_active_without_end_date",
			record: SubscriptionRecord{Plan: PlanPro, Status: StatusActive},
			want: EffectivePlanStatus{
				NominalPlan: PlanPro, EffectivePlan: PlanPro, IsActive: true,
				SpeechesLimit: UnlimitedSpeeches,
			},
		},
		{
			name:   "premium_expired_yesterday",
			record: SubscriptionRecord{Plan: PlanPremium, Status: StatusActive, EndDate: timePtr(evalNow.Add(-24 * time.Hour))},
			want: EffectivePlanStatus{
				NominalPlan: PlanPremium, EffectivePlan: FloorPlan, IsExpired: true,
				ShouldShowUpgrade: true, SpeechesLimit: 1,
			},
		},
		{
			name:   "basic_ending_tomorrow",
			record: SubscriptionRecord{Plan: PlanBasic, Status: StatusActive, EndDate: timePtr(evalNow.Add(24 * time.Hour))},
			want: EffectivePlanStatus{
				NominalPlan: PlanBasic, EffectivePlan: PlanBasic, IsActive: true, SpeechesLimit: 10,
			},
		},
		{
			name:   "canceled_paid_through",
			record: SubscriptionRecord{Plan: PlanPremium, Status: StatusCanceled, EndDate: timePtr(evalNow.Add(time.Hour))},
			want: EffectivePlanStatus{
				NominalPlan: PlanPremium, EffectivePlan: PlanPremium, IsActive: true, SpeechesLimit: 50,
			},
		},
		{
			name:   "canceled_without_end_date",
			record: SubscriptionRecord{Plan: PlanPremium, Status: StatusCanceled},
			want: EffectivePlanStatus{
				NominalPlan: PlanPremium, EffectivePlan: FloorPlan, IsExpired: true,
				ShouldShowUpgrade: true, SpeechesLimit: 1,
			},
		},
		{
			name:   "past_due_within_grace",
			record: SubscriptionRecord{Plan: PlanBasic, Status: StatusPastDue, UpdatedAt: evalNow.Add(-24 * time.Hour)},
			want: EffectivePlanStatus{
				NominalPlan: PlanBasic, EffectivePlan: PlanBasic, IsActive: true,
				InGracePeriod: true, SpeechesLimit: 10, MissingEndDate: true,
			},
		},
		{
			name:   "past_due_after_grace",
			record: SubscriptionRecord{Plan: PlanBasic, Status: StatusPastDue, UpdatedAt: evalNow.Add(-96 * time.Hour)},
			want: EffectivePlanStatus{
				NominalPlan: PlanBasic, EffectivePlan: FloorPlan, IsExpired: true,
				ShouldShowUpgrade: true, SpeechesLimit: 1,
			},
		},
		{
			name:   "past_due_trial_has_no_grace",
			record: SubscriptionRecord{Plan: PlanTrial, Status: StatusPastDue, UpdatedAt: evalNow},
			want: EffectivePlanStatus{
				NominalPlan: PlanTrial, EffectivePlan: FloorPlan, IsExpired: true,
				ShouldShowUpgrade: true, SpeechesLimit: 1,
			},
		},
		{
			name:   "incomplete_is_inactive_not_expired",
			record: SubscriptionRecord{Plan: PlanPro, Status: StatusIncomplete},
			want: EffectivePlanStatus{
				NominalPlan: PlanPro, EffectivePlan: FloorPlan, ShouldShowUpgrade: true, SpeechesLimit: 1,
			},
		},
		{
			name:   "trial_missing_required_end_date_fails_open",
			record: SubscriptionRecord{Plan: PlanTrial, Status: StatusTrialing},
			want: EffectivePlanStatus{
				NominalPlan: PlanTrial, EffectivePlan: PlanTrial, IsActive: true, SpeechesLimit: 3,
				MissingEndDate: true,
			},
		},
		{
			name:   "expired_free_plan_is_not_nudged",
			record: SubscriptionRecord{Plan: PlanFree, Status: StatusExpired},
			want: EffectivePlanStatus{
				NominalPlan: PlanFree, EffectivePlan: FloorPlan, IsExpired: true, SpeechesLimit: 1,
			},
		},
		{
			name:   "unknown_plan_resolves_to_floor",
			record: SubscriptionRecord{Plan: "Enterprise ", Status: "ACTIVE"},
			want: EffectivePlanStatus{
				NominalPlan: "enterprise", EffectivePlan: FloorPlan, IsActive: true, SpeechesLimit: 1,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, evaluator.Evaluate(tc.record, evalNow))
		})
	}
}

func TestResolveSpeechesLimit(t *testing.T) {
	granted := int64(999999)
	assert.Equal(t, UnlimitedSpeeches, ResolveSpeechesLimit(&granted, 999999, 10))

	granted = 25
	assert.Equal(t, int64(25), ResolveSpeechesLimit(&granted, 999999, 10))
	assert.Equal(t, int64(10), ResolveSpeechesLimit(nil, 999999, 10))
}

func TestNormalizeUserID(t *testing.T) {
	id, err := NormalizeUserID(" 5B0C0D8E-1F7E-4A7B-9F0E-2B1F3E9D7C11 ")
	assert.NoError(t, err)
	assert.Equal(t, "5b0c0d8e-1f7e-4a7b-9f0e-2b1f3e9d7c11", id)

	_, err = NormalizeUserID("not-a-user")
	assert.ErrorIs(t, err, ErrInvalidUserID)
}

func recordGen() *rapid.Generator[SubscriptionRecord] {
	plans := []PlanTier{PlanFree, PlanTrial, PlanBasic, PlanPremium, PlanPro, "legacy"}
	statuses := []SubscriptionStatus{
		StatusActive, StatusTrialing, StatusPastDue, StatusCanceled, StatusExpired,
		StatusUnpaid, StatusIncomplete, StatusIncompleteExpired, StatusPaused, "mystery",
	}
	return rapid.Custom(func(t *rapid.T) SubscriptionRecord {
		record := SubscriptionRecord{
			Plan:      rapid.SampledFrom(plans).Draw(t, "plan"),
			Status:    rapid.SampledFrom(statuses).Draw(t, "status"),
			UpdatedAt: evalNow.Add(-time.Duration(rapid.Int64Range(0, 30*24).Draw(t, "updated_hours_ago")) * time.Hour),
		}
		if rapid.Bool().Draw(t, "has_end_date") {
			offset := time.Duration(rapid.Int64Range(-60*24, 60*24).Draw(t, "end_offset_hours")) * time.Hour
			record.EndDate = timePtr(evalNow.Add(offset))
		}
		return record
	})
}

func TestEvaluateProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		record := recordGen().Draw(t, "record")
		grace := time.Duration(rapid.Int64Range(0, 14*24).Draw(t, "grace_hours")) * time.Hour
		status := NewEvaluator(grace).Evaluate(record, evalNow)

		if record.EndDate != nil && record.EndDate.Before(evalNow) && !status.IsExpired {
			t.Fatalf("end date %v is past but record not expired: %+v", record.EndDate, status)
		}
		if status.IsExpired && status.IsActive {
			t.Fatalf("expired subscription reported active: %+v", status)
		}
		if (status.IsExpired || !status.IsActive) && status.EffectivePlan != FloorPlan {
			t.Fatalf("unusable subscription enforced above floor: %+v", status)
		}
		if Policy(status.EffectivePlan).Rank > Policy(status.NominalPlan).Rank {
			t.Fatalf("effective plan ranks above nominal plan: %+v", status)
		}
		if status.MissingEndDate && (record.EndDate != nil || !Policy(record.Plan).RequiresEndDate || status.IsExpired) {
			t.Fatalf("missing end date flagged wrongly: %+v", status)
		}
		wantUpgrade := status.EffectivePlan == FloorPlan && Policy(status.NominalPlan).Tier != FloorPlan
		if status.ShouldShowUpgrade != wantUpgrade {
			t.Fatalf("upgrade prompt mismatch: %+v", status)
		}
	})
}
