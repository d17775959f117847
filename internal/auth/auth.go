package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-dex/pkg/response"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

const tokenTTL = 24 * time.Hour

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
	Roles      []string  `json:"roles,omitempty"`
}

// Claims represents the JWT claims structure. ClientID is the trader account
// every request made with the token acts as.
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
	Roles       []string `json:"roles,omitempty"`
}

// Roles is an in-memory capability store. It answers HasRole for the pair
// registry and the lifecycle controller.
type Roles struct {
	mu    sync.RWMutex
	roles map[string]map[string]struct{}
}

func NewRoles() *Roles {
	return &Roles{roles: make(map[string]map[string]struct{})}
}

func (r *Roles) Grant(account, role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roles[account] == nil {
		r.roles[account] = make(map[string]struct{})
	}
	r.roles[account][role] = struct{}{}
	log.Info().Str("account", account).Str("role", role).Msg("role granted")
}

func (r *Roles) Revoke(account, role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roles[account], role)
}

func (r *Roles) HasRole(account, role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[account][role]
	return ok
}

// Of lists an account's roles.
func (r *Roles) Of(account string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for role := range r.roles[account] {
		out = append(out, role)
	}
	return out
}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret []byte
	roles     *Roles

	mu             sync.RWMutex
	apiCredentials map[string]string // map[APIKey]APISecret
}

// NewService creates a new authentication service with the given JWT secret.
// roles may be nil when tokens carry no roles.
func NewService(jwtSecret string, roles *Roles) *Service {
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		roles:          roles,
		apiCredentials: make(map[string]string),
	}
}

// GenerateToken generates a JWT token for valid API credentials.
// The API key becomes the client ID.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	if !s.validateCredentials(creds) {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   creds.APIKey,
		},
		ClientID:    creds.APIKey,
		Permissions: []string{"trade"},
	}
	if s.roles != nil {
		claims.Roles = s.roles.Of(creds.APIKey)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
		Roles:      claims.Roles,
	}, nil
}

// ValidateToken verifies token signature and expiration and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

func (s *Service) validateCredentials(creds Credentials) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, exists := s.apiCredentials[creds.APIKey]
	return exists && secret == creds.APISecret
}

// RegisterAPICredentials registers an API key and its secret
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiCredentials[apiKey] = apiSecret
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetClientID extracts the client ID from token claims.
// Returns empty string if client ID is not found or invalid
func GetClientID(claims interface{}) string {
	switch c := claims.(type) {
	case *Claims:
		return c.ClientID
	case jwt.MapClaims:
		if clientID, ok := c["client_id"].(string); ok {
			return clientID
		}
	}
	return ""
}
