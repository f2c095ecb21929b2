package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const userContextKey = "auth.user"

// User represents an authenticated caller from a JWT
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// JWTVerifier validates bearer tokens against a JWKS
type JWTVerifier struct {
	keySet jwk.Set
}

// NewJWTVerifier registers jwksURL with an auto-refreshing cache and warms it.
// Verifications read the cached set; the cache refreshes in the background.
func NewJWTVerifier(ctx context.Context, jwksURL string, refresh time.Duration) (*JWTVerifier, error) {
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &JWTVerifier{keySet: jwk.NewCachedSet(cache, jwksURL)}, nil
}

// NewJWTVerifierWithKeySet verifies against a fixed key set
func NewJWTVerifierWithKeySet(set jwk.Set) *JWTVerifier {
	return &JWTVerifier{keySet: set}
}

// UserFromRequest extracts and validates the bearer token of r
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(v.keySet),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	if token.Subject() == "" {
		return nil, errors.New("token missing user ID (subject)")
	}

	user := &User{ID: token.Subject()}
	if claim, ok := token.Get("email"); ok {
		user.Email, _ = claim.(string)
	}
	if claim, ok := token.Get("name"); ok {
		user.Name, _ = claim.(string)
	}
	return user, nil
}

// RequireUser rejects requests without a valid bearer token
func (v *JWTVerifier) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := v.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// UserFromContext returns the user stored by RequireUser
func UserFromContext(c *gin.Context) (*User, bool) {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*User)
	return user, ok
}
