package ledgerapi

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientIdleTTL is how long a client's bucket survives without requests.
const clientIdleTTL = 10 * time.Minute

type clientBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// clientLimits keeps one token bucket per client address.
type clientLimits struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
	buckets map[string]*clientBucket
}

func newClientLimits(rps, burst int, idleTTL time.Duration) *clientLimits {
	return &clientLimits{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
		buckets: make(map[string]*clientBucket),
	}
}

// take spends one token of client's bucket. When the bucket is empty it
// returns false and the wait until the next token.
func (cl *clientLimits) take(client string) (bool, time.Duration) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	b, ok := cl.buckets[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.buckets[client] = b
	}
	b.seen = now

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// forgetIdle drops buckets unused for idleTTL and returns how many went.
func (cl *clientLimits) forgetIdle() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cutoff := cl.now().Add(-cl.idleTTL)
	dropped := 0
	for client, b := range cl.buckets {
		if b.seen.Before(cutoff) {
			delete(cl.buckets, client)
			dropped++
		}
	}
	return dropped
}

func (cl *clientLimits) sweep(ctx context.Context) {
	ticker := time.NewTicker(cl.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.forgetIdle()
		case <-ctx.Done():
			return
		}
	}
}

// RateLimiter limits each client IP to rps requests per second with bursts
// of up to burst. Rejected requests get 429 and a Retry-After in whole
// seconds. Idle clients are swept until ctx is done.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	limits := newClientLimits(rps, burst, clientIdleTTL)
	go limits.sweep(ctx)

	return func(c *gin.Context) {
		ok, wait := limits.take(c.ClientIP())
		if ok {
			c.Next()
			return
		}
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate limit exceeded",
			"retry_after": secs,
		})
	}
}
