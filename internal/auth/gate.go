// Package auth guards projects with claim tokens and admin endpoints with
// JWT or OIDC bearer tokens.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"

	"github.com/fruitsalade/docat/internal/logging"
	"github.com/fruitsalade/docat/internal/metrics"
)

// HeaderName carries the project credential.
const HeaderName = "Docat-Api-Key"

const (
	hashIterations = 100000
	hashLength     = 32
	tokenBytes     = 16
	saltBytes      = 32
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrAlreadyClaimed = errors.New("project is already claimed")
)

// TokenStatus is the outcome of a credential check.
type TokenStatus struct {
	Valid  bool
	Reason string
}

// HashToken derives the stored hash of token.
func HashToken(token string, salt []byte) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(token), salt, hashIterations, hashLength, sha256.New))
}

// Gate checks project credentials against claims.
type Gate struct {
	claims      ClaimStore
	globalToken string
	globalSalt  []byte
}

// NewGate creates a gate. When globalToken is set every claim is bound to it;
// globalSalt, if empty, is replaced by a random salt per claim.
func NewGate(claims ClaimStore, globalToken, globalSalt string) *Gate {
	g := &Gate{claims: claims, globalToken: globalToken}
	if globalSalt != "" {
		g.globalSalt = []byte(globalSalt)
	}
	return g
}

// CheckToken reports whether credential may mutate project. An unclaimed
// project accepts no credential.
func (g *Gate) CheckToken(ctx context.Context, project, credential string) (TokenStatus, error) {
	c, err := g.claims.Get(ctx, project)
	if err != nil {
		return TokenStatus{}, err
	}
	if c == nil || credential == "" {
		metrics.RecordAuthCheck(false)
		return TokenStatus{Reason: fmt.Sprintf("Please provide a header with a valid %s token for %s", HeaderName, project)}, nil
	}
	salt, err := hex.DecodeString(c.Salt)
	if err != nil {
		return TokenStatus{}, fmt.Errorf("decode salt of %s: %w", project, err)
	}
	if subtle.ConstantTimeCompare([]byte(HashToken(credential, salt)), []byte(c.Hash)) != 1 {
		metrics.RecordAuthCheck(false)
		return TokenStatus{Reason: fmt.Sprintf("%s token is not valid for %s", HeaderName, project)}, nil
	}
	metrics.RecordAuthCheck(true)
	return TokenStatus{Valid: true, Reason: HeaderName + " token is valid"}, nil
}

// Claim binds project to a fresh token and returns it. With a global token
// configured the project is bound to that token and "" is returned.
func (g *Gate) Claim(ctx context.Context, project string) (string, error) {
	token := g.globalToken
	salt := g.globalSalt
	if token == "" {
		raw := make([]byte, tokenBytes)
		if _, err := rand.Read(raw); err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		token = hex.EncodeToString(raw)
	}
	if salt == nil {
		salt = make([]byte, saltBytes)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("generate salt: %w", err)
		}
	}

	err := g.claims.Create(ctx, Claim{
		Project: project,
		Hash:    HashToken(token, salt),
		Salt:    hex.EncodeToString(salt),
	})
	if err != nil {
		return "", err
	}
	metrics.RecordClaim()
	logging.Info("project claimed", zap.String("project", project), zap.Bool("global", g.globalToken != ""))
	if g.globalToken != "" {
		return "", nil
	}
	return token, nil
}

// Rename moves the claim of project to newName.
func (g *Gate) Rename(ctx context.Context, project, newName string) error {
	return g.claims.Rename(ctx, project, newName)
}
