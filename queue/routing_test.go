package queue

import (
	"testing"

	"github.com/stromq/strom/job"
)

func TestRouteByTier(t *testing.T) {
	r := NewRouter()

	tests := []struct {
		name    string
		jobType string
		tier    job.Tier
		want    string
	}{
		{"urgent shares the high queue", "email", job.TierUrgent, HighPriorityQueue},
		{"high goes to the high queue", "report", job.TierHigh, HighPriorityQueue},
		{"low goes to the low queue", "email", job.TierLow, LowPriorityQueue},
		{"normal falls through to type routing", "email", job.TierNormal, "emails"},
		{"report type", "report", "", "reports"},
		{"notification type maps to default", "notification", "", DefaultQueue},
		{"unknown type maps to default", "transcode", "", DefaultQueue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Route(tt.jobType, tt.tier); got != tt.want {
				t.Errorf("Route(%q, %q) = %q, want %q", tt.jobType, tt.tier, got, tt.want)
			}
		})
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	r := NewRouter()
	first := r.Route("email", "")
	for range 100 {
		if got := r.Route("email", ""); got != first {
			t.Fatalf("routing not deterministic: got %q then %q", first, got)
		}
	}
}

func TestRegisterTypeOverride(t *testing.T) {
	r := NewRouter()
	r.RegisterType("email", "email-v2")

	if got := r.Route("email", ""); got != "email-v2" {
		t.Errorf("Route after override = %q, want %q", got, "email-v2")
	}
	// Tier still wins over the type table.
	if got := r.Route("email", job.TierUrgent); got != HighPriorityQueue {
		t.Errorf("Route with urgent tier = %q, want %q", got, HighPriorityQueue)
	}
}

func TestQueuesEnumeration(t *testing.T) {
	r := NewRouter()
	r.RegisterType("transcode", "media")

	queues := r.Queues()
	want := map[string]bool{
		HighPriorityQueue: true,
		LowPriorityQueue:  true,
		DefaultQueue:      true,
		"emails":          true,
		"reports":         true,
		"media":           true,
	}
	if len(queues) != len(want) {
		t.Fatalf("Queues() returned %d names, want %d: %v", len(queues), len(want), queues)
	}
	for _, q := range queues {
		if !want[q] {
			t.Errorf("unexpected queue %q", q)
		}
	}
}
