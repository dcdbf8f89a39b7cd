package worker

import (
	"math"
	"time"

	"commerce-sync/internal/models"
)

// backoffMax caps any computed retry delay.
const backoffMax = 5 * time.Minute

// backoffDelay computes the redelivery delay before retry attempt n
// (1-indexed) from the policy stored on the job at enqueue time.
func backoffDelay(policy models.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := policy.BaseDelay
	if base <= 0 {
		base = models.DefaultRetryPolicy().BaseDelay
	}
	var d time.Duration
	switch policy.Kind {
	case models.BackoffFixed:
		d = base
	default:
		d = time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	}
	if d > backoffMax {
		d = backoffMax
	}
	return d
}
