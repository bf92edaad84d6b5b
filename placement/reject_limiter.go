package placement

import (
	"golang.org/x/time/rate"
)

// RejectLimiter caps the cluster-wide rate at which ExpireLimitedLeases is
// allowed to reject aged-out leases in a single tick. A denial is not an
// error: the lease simply stays put until a later tick.
type RejectLimiter interface {
	TryReject() bool
}

// rateRejectLimiter backs RejectLimiter with a token bucket, the same
// primitive the teacher uses for its own request throttling
// (bazel/server.go uses golang.org/x/time/rate directly).
type rateRejectLimiter struct {
	limiter *rate.Limiter
}

// NewRateRejectLimiter builds a RejectLimiter that allows up to burst
// rejections immediately and refills at ratePerSec thereafter.
func NewRateRejectLimiter(ratePerSec float64, burst int) RejectLimiter {
	return &rateRejectLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

func (r *rateRejectLimiter) TryReject() bool {
	return r.limiter.Allow()
}

// unlimitedRejectLimiter never denies a rejection. Useful in tests and for
// callers that don't want cluster-wide throttling.
type unlimitedRejectLimiter struct{}

func (unlimitedRejectLimiter) TryReject() bool { return true }

// NewUnlimitedRejectLimiter returns a RejectLimiter with no cap.
func NewUnlimitedRejectLimiter() RejectLimiter { return unlimitedRejectLimiter{} }
