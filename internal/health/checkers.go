package health

import (
	"context"
	"fmt"

	"github.com/sitespeak/voicecore/internal/orchestrator"
	"github.com/sitespeak/voicecore/internal/pool"
)

// PoolChecker fails readiness while the speech connection pool is closed or
// its dial circuit breaker is open. A tripped breaker means new sessions
// cannot reach the speech endpoint, so the instance should stop receiving
// traffic until the breaker recovers.
func PoolChecker(p *pool.Pool) Checker {
	return Checker{
		Name: "pool",
		Check: func(_ context.Context) error {
			if !p.Healthy() {
				return fmt.Errorf("health: speech dials unavailable (%d connections held)", p.Size())
			}
			return nil
		},
	}
}

// CodecChecker fails readiness while any live session runs on the degraded
// codec fallback. Fallback keeps a call alive but signals a broken codec
// environment, so the instance should drain rather than take new calls.
func CodecChecker(o *orchestrator.Orchestrator) Checker {
	return Checker{
		Name: "codec",
		Check: func(_ context.Context) error {
			if n := o.DegradedSessionCount(); n > 0 {
				return fmt.Errorf("health: %d sessions on degraded codec fallback", n)
			}
			return nil
		},
	}
}

// CapacityChecker fails readiness when the orchestrator is at its session
// cap, steering load balancers toward instances that can still accept
// sessions. Existing sessions keep running either way.
func CapacityChecker(o *orchestrator.Orchestrator, maxSessions int) Checker {
	return Checker{
		Name: "capacity",
		Check: func(_ context.Context) error {
			if n := o.SessionCount(); n >= maxSessions {
				return fmt.Errorf("health: at session capacity (%d/%d)", n, maxSessions)
			}
			return nil
		},
	}
}
