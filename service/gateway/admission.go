package gateway

import (
	"context"
	"math"
	"time"

	"github.com/Blazheiko/partygate/logger"
)

// WindowCounter is the external counter store. Incr must be atomic on the
// store side (a fresh or expired window restarts at count 1) and report when
// the current window resets.
type WindowCounter interface {
	Incr(ctx context.Context, identity, routeKey string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// Admission performs the rate check in front of every routed message.
type Admission struct {
	counter WindowCounter
}

func NewAdmission(counter WindowCounter) *Admission {
	return &Admission{counter: counter}
}

// Decision reports a denial together with the retry hint.
type Decision struct {
	Allowed    bool
	RetryAfter int // seconds until the window resets, >= 1 on denial
}

var admitted = Decision{Allowed: true}

// Check resolves the route's effective limit and consumes one slot from the
// (identity, route) window. A store failure fails OPEN: an infrastructure
// outage must not take all traffic down with it.
func (a *Admission) Check(ctx context.Context, identity string, rd *RouteDescriptor) Decision {
	limit := rd.EffectiveRateLimit()
	if limit == nil || limit.Max <= 0 {
		return admitted
	}

	count, resetAt, err := a.counter.Incr(ctx, identity, rd.Key(), limit.Window)
	if err != nil {
		logger.Warnf("[admission] counter unavailable, failing open route=%s err=%v", rd.Key(), err)
		return admitted
	}

	// Boundary is deliberately count > max, not >=: the request that brings
	// the counter to exactly max is still admitted.
	if count > limit.Max {
		retry := int(math.Ceil(time.Until(resetAt).Seconds()))
		if retry < 1 {
			retry = 1
		}
		return Decision{Allowed: false, RetryAfter: retry}
	}
	return admitted
}
