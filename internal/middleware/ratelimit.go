package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Limiter 固定窗口限流器。key 在 window 内最多允许 limit 次。
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateLimit 返回一个基于客户端 IP 的限流中间件，scope 区分不同的配额。
// 限流器出错时放行请求，限流不可用不能阻断游戏。
func RateLimit(limiter Limiter, scope string, maxRequests int, window time.Duration) gin.HandlerFunc {
	if limiter == nil {
		panic("Limiter cannot be nil for RateLimit middleware")
	}
	if maxRequests <= 0 {
		panic("maxRequests must be positive for RateLimit middleware")
	}
	if window <= 0 {
		panic("window duration must be positive for RateLimit middleware")
	}

	return func(c *gin.Context) {
		// 反向代理后面需要配置 gin 的 TrustedProxies 才能拿到真实 IP
		key := scope + ":" + c.ClientIP()
		allowed, err := limiter.Allow(c.Request.Context(), key, maxRequests, window)
		if err != nil {
			logrus.WithError(err).WithField("scope", scope).Warn("RateLimit: limiter unavailable, allowing request")
			c.Next()
			return
		}
		if !allowed {
			logrus.WithFields(logrus.Fields{"scope": scope, "client_ip": c.ClientIP()}).Info("RateLimit: request rejected")
			c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "Too many requests"})
			c.Abort()
			return
		}
		c.Next()
	}
}
