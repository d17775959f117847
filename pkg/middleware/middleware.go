package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-dex/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit    = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	tradingLimit = rate.Limit(600.0 / 60.0)  // 600 requests per minute
	adminLimit   = rate.Limit(120.0 / 60.0)  // 120 requests per minute
	queryLimit   = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// RoleChecker answers whether an account holds a role.
type RoleChecker interface {
	HasRole(account, role string) bool
}

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func limitFor(path string) (rate.Limit, int) {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit, 1
	case strings.HasPrefix(path, "/api/v1/orders"):
		return tradingLimit, 20
	case strings.HasPrefix(path, "/api/v1/admin"), strings.HasPrefix(path, "/api/v1/internal"):
		return adminLimit, 5
	case strings.HasPrefix(path, "/api/v1/pairs"), strings.HasPrefix(path, "/api/v1/balances"):
		return queryLimit, 20
	}
	return rate.Inf, 1
}

func getLimiter(path, key string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key = key + ":" + path
	v, exists := visitors[key]
	if !exists {
		limit, burst := limitFor(path)
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit limits requests per client and route, falling back to the
// client IP for unauthenticated routes.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.BadRequest(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and stores its claims in the context.
// clientID is the trader every downstream handler acts as.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := validateAndExtractToken(c, secret)
		if err != nil {
			return
		}

		for key, value := range claims {
			c.Set(key, value)
		}
		c.Set("claims", claims)
		c.Set("clientID", claims["client_id"].(string))

		c.Next()
	}
}

// InternalAuth admits only tokens whose account holds one of roles, checked
// against the live role store rather than the token's role claim.
func InternalAuth(secret string, checker RoleChecker, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := validateAndExtractToken(c, secret)
		if err != nil {
			return
		}
		clientID := claims["client_id"].(string)

		allowed := false
		for _, role := range roles {
			if checker.HasRole(clientID, role) {
				allowed = true
				break
			}
		}
		if !allowed {
			response.Forbidden(c, "Insufficient role")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", clientID)
		c.Next()
	}
}

func validateAndExtractToken(c *gin.Context, secret string) (jwt.MapClaims, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, fmt.Errorf("authorization header required")
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		response.Unauthorized(c, "Invalid token claims")
		c.Abort()
		return nil, fmt.Errorf("invalid token claims")
	}

	// Ensure required claims exist
	for _, claim := range []string{"client_id", "exp"} {
		if _, exists := claims[claim]; !exists {
			response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
			c.Abort()
			return nil, fmt.Errorf("missing claim %s", claim)
		}
	}
	if clientID, ok := claims["client_id"].(string); !ok || clientID == "" {
		response.Unauthorized(c, "Invalid client ID in token")
		c.Abort()
		return nil, fmt.Errorf("invalid client ID in token")
	}

	return claims, nil
}
