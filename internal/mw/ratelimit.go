package mw

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/kavymi/palytt-monorepo-sub008/internal/auth"
)

type keyLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

type RL struct {
	mu   sync.Mutex
	m    map[string]*keyLimiter
	r    rate.Limit
	b    int
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

func NewRateLimiter(r rate.Limit, burst int, ttl time.Duration) *RL {
	return &RL{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl, stop: make(chan struct{})}
}

func (rl *RL) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	kl, ok := rl.m[key]
	if ok {
		kl.ts = time.Now()
		return kl.lim
	}
	lim := rate.NewLimiter(rl.r, rl.b)
	rl.m[key] = &keyLimiter{lim: lim, ts: time.Now()}
	return lim
}

// Allow 消耗 key 对应桶里的一个令牌。
func (rl *RL) Allow(key string) bool { return rl.get(key).Allow() }

// Len 返回当前跟踪的 key 数。
func (rl *RL) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.m)
}

func (rl *RL) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, v := range rl.m {
		if now.Sub(v.ts) > rl.ttl {
			delete(rl.m, k)
		}
	}
}

func (rl *RL) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.sweep(now)
		}
	}
}

// Start 启动过期 key 的回收 goroutine。
func (rl *RL) Start() *RL {
	go rl.gc()
	return rl
}

// Stop 停止 GC goroutine，用于优雅停服。
func (rl *RL) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Handler 返回令牌桶限速中间件。已认证的请求按 actor+路由计数，
// 否则按 IP+路由计数；因此应挂在 auth.ActorMiddleware 之后。
func (rl *RL) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(limitKey(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func limitKey(c *gin.Context) string {
	who := "ip:" + clientIP(c.Request.RemoteAddr)
	if actorID := auth.GetActorID(c); actorID != "" {
		who = "actor:" + actorID
	}
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	return who + "|" + path
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
