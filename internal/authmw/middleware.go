package authmw

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// TokenAuth validates bearer tokens and exposes the caller identity to handlers.
type TokenAuth struct {
	Issuer   string // e.g. http://localhost:8080/realms/myrealm, empty skips the check
	Audience string // usually the client-id, empty skips the check
	ClientID string // for client roles under resource_access[ClientID].roles

	Keyfunc jwt.Keyfunc
	Methods []string
	// optional clock skew
	Leeway time.Duration

	jwks *keyfunc.JWKS
}

// NewKeycloakAuth builds an authenticator backed by the realm JWKS. Build once
// at startup, the key set refreshes itself.
func NewKeycloakAuth(jwksURL, issuer, audience, clientID string) (*TokenAuth, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:  time.Hour,
		RefreshRateLimit: time.Minute * 5,
		RefreshTimeout:   time.Second * 10,
	})
	if err != nil {
		return nil, err
	}

	a := NewJWKSAuth(jwks, issuer, audience, clientID)
	return a, nil
}

// NewJWKSAuth accepts RS256 tokens signed by a key of the given set.
func NewJWKSAuth(jwks *keyfunc.JWKS, issuer, audience, clientID string) *TokenAuth {
	return &TokenAuth{
		Issuer:   issuer,
		Audience: audience,
		ClientID: clientID,
		Keyfunc:  jwks.Keyfunc,
		Methods:  []string{"RS256"},
		Leeway:   30 * time.Second,
		jwks:     jwks,
	}
}

// NewSecretAuth accepts HS256 tokens signed with a shared secret.
func NewSecretAuth(secret, issuer, audience string) (*TokenAuth, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	key := []byte(secret)
	return &TokenAuth{
		Issuer:   issuer,
		Audience: audience,
		Keyfunc:  func(*jwt.Token) (any, error) { return key, nil },
		Methods:  []string{"HS256"},
		Leeway:   30 * time.Second,
	}, nil
}

// Close stops the background key refresh, if any.
func (a *TokenAuth) Close() {
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
}

type KCClaims struct {
	jwt.RegisteredClaims

	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`

	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`

	ResourceAccess map[string]struct {
		Roles []string `json:"roles"`
	} `json:"resource_access"`
}

// Username is the acting user id: preferred_username, falling back to sub.
func (c *KCClaims) Username() string {
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	return c.Subject
}

func (a *TokenAuth) parse(tokenStr string) (*KCClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.Leeway),
		jwt.WithValidMethods(a.Methods),
		jwt.WithExpirationRequired(),
	}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}
	if a.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.Audience))
	}

	claims := &KCClaims{}
	if _, err := jwt.ParseWithClaims(tokenStr, claims, a.Keyfunc, opts...); err != nil {
		return nil, err
	}
	if claims.Username() == "" {
		return nil, errors.New("token carries no user")
	}
	return claims, nil
}

// RequireRoles authenticates the request and, when roles are given, demands
// at least one of them.
func (a *TokenAuth) RequireRoles(anyOf ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, err := extractAccessToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "code": "UNAUTHENTICATED"})
			return
		}

		claims, err := a.parse(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "UNAUTHENTICATED"})
			return
		}

		roles := collectRoles(claims, a.ClientID)

		// Put identity into context for handlers
		c.Set("kc.access_token", tokenStr)
		c.Set("kc.username", claims.Username())
		c.Set("kc.email", claims.Email)
		c.Set("kc.email_verified", claims.EmailVerified)
		c.Set("kc.roles", roles)
		c.Set("kc.sub", claims.Subject)
		c.Request = c.Request.WithContext(WithAccessToken(c.Request.Context(), tokenStr))

		if len(anyOf) > 0 && !hasAnyRole(roles, anyOf...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role", "code": "FORBIDDEN"})
			return
		}

		c.Next()
	}
}

func RequireEmailVerified() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get("kc.email_verified")
		if !ok || v == false {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "email not verified",
				"code":  "FORBIDDEN",
			})
			return
		}
		c.Next()
	}
}

// Username returns the authenticated user id set by RequireRoles.
func Username(c *gin.Context) string {
	return c.GetString("kc.username")
}

type tokenKey struct{}

// WithAccessToken stores the caller's bearer token for outbound calls.
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// AccessToken returns the bearer token stored by WithAccessToken.
func AccessToken(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// --- helpers ---

func extractAccessToken(c *gin.Context) (string, error) {
	// 1) Authorization: Bearer <token>
	authz := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		if token := strings.TrimSpace(authz[7:]); token != "" {
			return token, nil
		}
	}

	// 2) cookie fallback
	if cookie, err := c.Cookie("access_token"); err == nil && cookie != "" {
		return cookie, nil
	}

	return "", errors.New("missing access token")
}

func collectRoles(claims *KCClaims, clientID string) []string {
	out := make([]string, 0, 16)

	// realm roles
	out = append(out, claims.RealmAccess.Roles...)

	// client roles (resource_access)
	if clientID != "" && claims.ResourceAccess != nil {
		if ra, ok := claims.ResourceAccess[clientID]; ok {
			out = append(out, ra.Roles...)
		}
	}

	return uniq(out)
}

func hasAnyRole(userRoles []string, anyOf ...string) bool {
	roleSet := make(map[string]struct{}, len(userRoles))
	for _, r := range userRoles {
		roleSet[r] = struct{}{}
	}
	for _, required := range anyOf {
		if _, ok := roleSet[required]; ok {
			return true
		}
	}
	return false
}

func uniq(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
