package ratelimit

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/webportal/mailqueue/pkg/apiresponses"
	"github.com/webportal/mailqueue/pkg/metrics"
)

const (
	defaultSweepInterval = time.Minute
	defaultIdleTTL       = 5 * time.Minute

	limitedMessage = "rate limit exceeded, please try again later"
)

// Config is one token bucket policy.
type Config struct {
	// Rate is the refill rate in requests per second.
	Rate float64
	// Burst is the bucket size.
	Burst int
	// CleanupInterval is how often idle buckets are swept.
	CleanupInterval time.Duration
	// MaxAge is how long an idle bucket survives.
	MaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultSweepInterval
	}
	if c.MaxAge <= 0 {
		c.MaxAge = defaultIdleTTL
	}
	return c
}

// AuthenticatedConfig splits admin traffic into callers that carry a token
// subject and callers that do not.
type AuthenticatedConfig struct {
	Unauthenticated Config
	Authenticated   Config
	// UserIdentityKey is the gin context key the auth middleware stores the subject under.
	UserIdentityKey string
}

// DefaultTriggerConfig limits POST /api/dispatch/run to 1 req/s per client
// with a burst of 5. Every accepted call runs a full dispatch cycle.
func DefaultTriggerConfig() Config {
	return Config{Rate: 1, Burst: 5}.withDefaults()
}

// DefaultAdminConfig allows 5 req/s (burst 10) per anonymous IP and
// 20 req/s (burst 50) per token subject.
func DefaultAdminConfig() AuthenticatedConfig {
	return AuthenticatedConfig{
		Unauthenticated: Config{Rate: 5, Burst: 10}.withDefaults(),
		Authenticated:   Config{Rate: 20, Burst: 50, MaxAge: 10 * time.Minute}.withDefaults(),
		UserIdentityKey: "subject",
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// bucketSet holds one token bucket per key and forgets keys that go idle.
type bucketSet struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	stop     chan struct{}
}

func newBucketSet(cfg Config) *bucketSet {
	s := &bucketSet{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *bucketSet) allow(key string) bool {
	now := time.Now()

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(s.cfg.Rate), s.cfg.Burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	s.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

func (s *bucketSet) sweepLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *bucketSet) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) > s.cfg.MaxAge {
			delete(s.buckets, key)
		}
	}
}

func (s *bucketSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func (s *bucketSet) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func reject(c *gin.Context, scope string) {
	metrics.RateLimited.WithLabelValues(scope).Inc()
	apiresponses.RespondTooManyRequests(c, limitedMessage)
	c.Abort()
}

// IPRateLimiter keys buckets by gin's ClientIP, which honours trusted proxies.
type IPRateLimiter struct {
	buckets *bucketSet
}

func New(cfg Config) *IPRateLimiter {
	return &IPRateLimiter{buckets: newBucketSet(cfg)}
}

// Allow takes one token from the bucket of ip.
func (rl *IPRateLimiter) Allow(ip string) bool {
	return rl.buckets.allow(ip)
}

func (rl *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			reject(c, "ip")
			return
		}
		c.Next()
	}
}

// Stop ends the sweeper. Safe to call more than once.
func (rl *IPRateLimiter) Stop() {
	rl.buckets.close()
}

func (rl *IPRateLimiter) Len() int {
	return rl.buckets.len()
}

func (rl *IPRateLimiter) Config() Config {
	return rl.buckets.cfg
}

// AuthenticatedRateLimiter must run after the auth middleware. Requests with
// a subject in the gin context draw from that subject's bucket, the rest
// from their IP's bucket.
type AuthenticatedRateLimiter struct {
	anonymous *bucketSet
	subjects  *bucketSet
	userKey   string
}

func NewAuthenticated(cfg AuthenticatedConfig) *AuthenticatedRateLimiter {
	if cfg.UserIdentityKey == "" {
		cfg.UserIdentityKey = "subject"
	}
	return &AuthenticatedRateLimiter{
		anonymous: newBucketSet(cfg.Unauthenticated),
		subjects:  newBucketSet(cfg.Authenticated),
		userKey:   cfg.UserIdentityKey,
	}
}

// Allow reports whether the request may proceed and whether it was
// counted against a subject.
func (arl *AuthenticatedRateLimiter) Allow(c *gin.Context) (allowed bool, authenticated bool) {
	if subject := c.GetString(arl.userKey); subject != "" {
		return arl.subjects.allow(subject), true
	}
	return arl.anonymous.allow(c.ClientIP()), false
}

func (arl *AuthenticatedRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, authenticated := arl.Allow(c)
		if allowed {
			c.Next()
			return
		}
		if authenticated {
			reject(c, "subject")
			return
		}
		reject(c, "ip")
	}
}

func (arl *AuthenticatedRateLimiter) Stop() {
	arl.anonymous.close()
	arl.subjects.close()
}

func (arl *AuthenticatedRateLimiter) IPLen() int {
	return arl.anonymous.len()
}

func (arl *AuthenticatedRateLimiter) UserLen() int {
	return arl.subjects.len()
}
