package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/docat/internal/logging"
	"github.com/fruitsalade/docat/internal/metrics"
)

type contextKey string

const adminContextKey contextKey = "admin"

const issuer = "docat"

// AdminClaims holds admin token claims.
type AdminClaims struct {
	IsAdmin bool `json:"is_admin"`
	jwt.RegisteredClaims
}

// AdminAuth authenticates callers of admin endpoints.
type AdminAuth struct {
	secret []byte
	oidc   *OIDCProvider
}

// NewAdminAuth creates admin auth with an HS256 secret. An empty secret
// disables locally minted tokens.
func NewAdminAuth(secret string) *AdminAuth {
	return &AdminAuth{secret: []byte(secret)}
}

// SetOIDCProvider enables OIDC ID tokens as admin credentials.
func (a *AdminAuth) SetOIDCProvider(p *OIDCProvider) {
	a.oidc = p
}

// Enabled reports whether any admin credential can be accepted.
func (a *AdminAuth) Enabled() bool {
	return len(a.secret) > 0 || a.oidc != nil
}

// IssueToken signs an admin token for subject.
func (a *AdminAuth) IssueToken(subject string, ttl time.Duration) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, errors.New("admin JWT secret is not configured")
	}
	now := time.Now()
	claims := &AdminClaims{
		IsAdmin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

func (a *AdminAuth) validateToken(tokenStr string) (*AdminClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("admin JWT secret is not configured")
	}
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Authenticate validates a bearer token, trying the local secret first and
// then OIDC.
func (a *AdminAuth) Authenticate(ctx context.Context, tokenStr string) (*AdminClaims, error) {
	claims, err := a.validateToken(tokenStr)
	if err == nil {
		return claims, nil
	}
	if a.oidc != nil {
		return a.oidc.ValidateToken(ctx, tokenStr)
	}
	return nil, err
}

// Middleware admits only admin callers.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			sendAuthError(w, http.StatusForbidden, "admin endpoints are disabled")
			return
		}
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthCheck(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}
		claims, err := a.Authenticate(r.Context(), tokenStr)
		if err != nil {
			metrics.RecordAuthCheck(false)
			logging.WithContext(r.Context()).Warn("admin authentication failed", zap.Error(err))
			sendAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if !claims.IsAdmin {
			metrics.RecordAuthCheck(false)
			sendAuthError(w, http.StatusForbidden, "admin access required")
			return
		}
		metrics.RecordAuthCheck(true)
		ctx := context.WithValue(r.Context(), adminContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAdmin returns the admin claims stored by Middleware.
func GetAdmin(ctx context.Context) *AdminClaims {
	claims, _ := ctx.Value(adminContextKey).(*AdminClaims)
	return claims
}

func extractToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func sendAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": msg,
		"code":    status,
	})
}

// OIDCConfig holds OIDC provider settings.
type OIDCConfig struct {
	IssuerURL  string
	ClientID   string
	AdminClaim string // default "is_admin"
	AdminValue string // default "true"
}

// OIDCProvider validates OIDC ID tokens.
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
	config   OIDCConfig
}

// NewOIDCProvider discovers the issuer. Returns nil if IssuerURL is empty.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, nil
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider init: %w", err)
	}
	if cfg.AdminClaim == "" {
		cfg.AdminClaim = "is_admin"
	}
	if cfg.AdminValue == "" {
		cfg.AdminValue = "true"
	}
	logging.Info("OIDC provider initialized",
		zap.String("issuer", cfg.IssuerURL),
		zap.String("client_id", cfg.ClientID))
	return &OIDCProvider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		config:   cfg,
	}, nil
}

// ValidateToken verifies an ID token and maps the admin claim.
func (o *OIDCProvider) ValidateToken(ctx context.Context, tokenStr string) (*AdminClaims, error) {
	idToken, err := o.verifier.Verify(ctx, tokenStr)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("parse oidc claims: %w", err)
	}
	isAdmin := false
	if val, ok := raw[o.config.AdminClaim]; ok {
		isAdmin = fmt.Sprintf("%v", val) == o.config.AdminValue
	}
	return &AdminClaims{
		IsAdmin: isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: idToken.Subject,
			Issuer:  idToken.Issuer,
		},
	}, nil
}
