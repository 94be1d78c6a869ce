// Package auth validates JWT access tokens presented by client and
// gateway WebSocket connections, adapted from the teacher's
// internal/v1/auth package: JWKS-backed in production, a dev-mode
// claim-extracting validator for local runs.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
)

// CustomClaims are the access-token claims AgentIM issues and expects.
// GatewayID is populated only for gateway-surface tokens (spec.md §4.1:
// gateway sockets authenticate with a mandatory gatewayId).
type CustomClaims struct {
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	GatewayID string `json:"gatewayId,omitempty"`
	jwt.RegisteredClaims
}

func (c *CustomClaims) toTypesClaims() types.Claims {
	issuedAt := time.Time{}
	if c.IssuedAt != nil {
		issuedAt = c.IssuedAt.Time
	}
	return types.Claims{
		Subject:   c.Subject,
		Name:      c.Name,
		Email:     c.Email,
		GatewayID: c.GatewayID,
		IssuedAt:  issuedAt,
	}
}

// Validator validates JWTs against a JWKS endpoint cached by lestrrat-go/jwx.
// Implements types.TokenValidator.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

var _ types.TokenValidator = (*Validator)(nil)

// NewValidator builds a JWKS-backed Validator for the given Auth0-shaped
// domain and audience.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := append([]jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}, regOpts...)
	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}
		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &Validator{keyFunc: keyFunc, issuer: issuerURL.String(), audience: audience}, nil
}

// ValidateToken parses and validates tokenString, returning its claims.
func (v *Validator) ValidateToken(tokenString string) (types.Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return types.Claims{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return types.Claims{}, errors.New("token is invalid")
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return types.Claims{}, errors.New("failed to cast claims to CustomClaims")
	}
	return claims.toTypesClaims(), nil
}

// HMACValidator validates tokens signed with a shared secret, for
// self-issued gateway/service tokens that don't go through Auth0 JWKS.
type HMACValidator struct {
	secret []byte
}

var _ types.TokenValidator = (*HMACValidator)(nil)

func NewHMACValidator(secret string) *HMACValidator {
	return &HMACValidator{secret: []byte(secret)}
}

func (h *HMACValidator) ValidateToken(tokenString string) (types.Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil {
		return types.Claims{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return types.Claims{}, errors.New("token is invalid")
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return types.Claims{}, errors.New("failed to cast claims to CustomClaims")
	}
	return claims.toTypesClaims(), nil
}

// DevValidator is a development-only validator that trusts whatever
// claims are embedded in the token without checking the signature. It
// never runs unless DEVELOPMENT_MODE/SKIP_AUTH is explicitly set.
type DevValidator struct{}

var _ types.TokenValidator = (*DevValidator)(nil)

func (d *DevValidator) ValidateToken(tokenString string) (types.Claims, error) {
	var subject, name, email, gatewayID string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var raw map[string]interface{}
			if json.Unmarshal(payload, &raw) == nil {
				if sub, ok := raw["sub"].(string); ok {
					subject = sub
				}
				if n, ok := raw["name"].(string); ok {
					name = n
				}
				if e, ok := raw["email"].(string); ok {
					email = e
				}
				if g, ok := raw["gatewayId"].(string); ok {
					gatewayID = g
				}
			}
		}
	}

	if subject == "" {
		subject = "dev-user-123"
	}
	if name == "" {
		name = "Dev User"
	}
	if email == "" {
		email = "dev@example.com"
	}

	logging.Info(context.Background(), "dev validator accepted unsigned token",
		zap.String("subject", subject), zap.String("name", name))

	return types.Claims{
		Subject:   subject,
		Name:      name,
		Email:     email,
		GatewayID: gatewayID,
		IssuedAt:  time.Now(),
	}, nil
}
