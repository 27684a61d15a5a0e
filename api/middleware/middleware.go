/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package middleware

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blnkfinance/settlement/config"
	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
)

// SecretKeyHeader carries the shared secret when the server runs in secure mode. A bearer
// Authorization header is accepted as well.
const SecretKeyHeader = "X-Settlement-Key"

// rateLimitKeys buckets a request by client IP and, on merchant routes, by merchant, so one
// caller looping over many merchants is not throttled as a single client.
func rateLimitKeys(c *gin.Context) []string {
	keys := []string{c.ClientIP()}
	if merchantID := c.Param("id"); merchantID != "" {
		keys = append(keys, merchantID)
	}
	return keys
}

// RateLimitMiddleware throttles callers with tollbooth. Without a configured rate it is a no-op.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	rl := conf.RateLimit
	if rl.RequestsPerSecond == nil || rl.Burst == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	ttl := time.Hour
	if rl.CleanupIntervalSec != nil {
		ttl = time.Duration(*rl.CleanupIntervalSec) * time.Second
	}

	lmt := tollbooth.NewLimiter(*rl.RequestsPerSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: ttl})
	lmt.SetBurst(*rl.Burst)
	lmt.SetMessage("too many settlement requests, slow down")

	retryAfter := "1"
	if *rl.RequestsPerSecond > 0 && *rl.RequestsPerSecond < 1 {
		retryAfter = strconv.Itoa(int(math.Ceil(1 / *rl.RequestsPerSecond)))
	}

	return func(c *gin.Context) {
		if httpError := tollbooth.LimitByKeys(lmt, rateLimitKeys(c)); httpError != nil {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": httpError.Message})
			return
		}
		c.Next()
	}
}

func presentedSecret(c *gin.Context) string {
	if key := c.GetHeader(SecretKeyHeader); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// SecretKeyAuthMiddleware rejects requests that do not carry the server secret.
func SecretKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		conf, err := config.Fetch()
		if err != nil || conf.Server.SecretKey == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}

		presented := presentedSecret(c)
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing secret key"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(conf.Server.SecretKey), []byte(presented)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid secret key"})
			return
		}

		c.Next()
	}
}
