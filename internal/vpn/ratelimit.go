package vpn

import (
	"golang.org/x/time/rate"
)

const (
	// AckBuckets is the number of independent ACK limiters.
	AckBuckets = 16
	// AckRate is the per-bucket refill rate and capacity (tokens/s).
	AckRate = 500
)

// AckLimiter: fixed bank of token buckets indexed by flow key mod AckBuckets.
// Lives as long as one relay; buckets are never reset per packet.
type AckLimiter struct {
	buckets [AckBuckets]*rate.Limiter
}

// NewAckLimiter creates a bank of full buckets.
func NewAckLimiter() *AckLimiter {
	l := &AckLimiter{}
	for i := range l.buckets {
		l.buckets[i] = rate.NewLimiter(rate.Limit(AckRate), AckRate)
	}
	return l
}

// Allow takes one token from the bucket for key; false = drop the ACK.
func (l *AckLimiter) Allow(key uint16) bool {
	return l.buckets[key%AckBuckets].Allow()
}
