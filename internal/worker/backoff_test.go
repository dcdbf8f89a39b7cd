package worker

import (
	"testing"
	"time"

	"commerce-sync/internal/models"
)

func TestBackoffExponential(t *testing.T) {
	policy := models.RetryPolicy{Kind: models.BackoffExponential, BaseDelay: 2 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDelay(policy, c.attempt); got != c.want {
			t.Errorf("attempt %d: got %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffFixed(t *testing.T) {
	policy := models.RetryPolicy{Kind: models.BackoffFixed, BaseDelay: 3 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := backoffDelay(policy, attempt); got != 3*time.Second {
			t.Errorf("attempt %d: got %v, want 3s", attempt, got)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	policy := models.RetryPolicy{Kind: models.BackoffExponential, BaseDelay: time.Minute}
	if got := backoffDelay(policy, 10); got != backoffMax {
		t.Errorf("got %v, want cap %v", got, backoffMax)
	}
}

func TestBackoffDefaultsOnZeroBase(t *testing.T) {
	policy := models.RetryPolicy{Kind: models.BackoffExponential}
	if got := backoffDelay(policy, 1); got != models.DefaultRetryPolicy().BaseDelay {
		t.Errorf("got %v, want default base", got)
	}
	if got := backoffDelay(policy, 0); got != models.DefaultRetryPolicy().BaseDelay {
		t.Errorf("attempt 0 clamps to 1: got %v", got)
	}
}
