package httpapi

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-lifecycle/internal/logging"
)

const RoleAdmin = "admin"

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator validates RS256 bearer tokens issued by the identity provider.
type Authenticator struct {
	keys     map[string]*rsa.PublicKey
	issuer   string
	audience string
}

func NewAuthenticator(keys map[string]*rsa.PublicKey, issuer, audience string) *Authenticator {
	return &Authenticator{keys: keys, issuer: issuer, audience: audience}
}

// LoadAuthenticator reads PEM public keys; each key id is the file name
// without its extension.
func LoadAuthenticator(files []string, issuer, audience string) (*Authenticator, error) {
	keys := make(map[string]*rsa.PublicKey, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read public key %s: %w", f, err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(b)
		if err != nil {
			return nil, fmt.Errorf("parse public key %s: %w", f, err)
		}
		kid := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		keys[kid] = key
	}
	return NewAuthenticator(keys, issuer, audience), nil
}

func (a *Authenticator) Verify(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	parser := jwt.NewParser(opts...)

	var lastErr error = errors.New("no verification keys")
	for _, key := range a.candidates(parser, raw) {
		claims := &Claims{}
		_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return key, nil })
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// candidates returns the key named by the token's kid header, or every key.
func (a *Authenticator) candidates(parser *jwt.Parser, raw string) []*rsa.PublicKey {
	if tok, _, err := parser.ParseUnverified(raw, &Claims{}); err == nil {
		if kid, ok := tok.Header["kid"].(string); ok {
			if key, ok := a.keys[kid]; ok {
				return []*rsa.PublicKey{key}
			}
		}
	}
	out := make([]*rsa.PublicKey, 0, len(a.keys))
	for _, key := range a.keys {
		out = append(out, key)
	}
	return out
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		claims, err := s.auth.Verify(raw)
		if err != nil {
			s.logger.DebugContext(r.Context(), "token rejected", "error", err)
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		if f := logging.FieldsFrom(r.Context()); f != nil {
			f.Subject = claims.Subject
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func (s *Server) requireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next(w, r)
			return
		}
		if c := claimsFromContext(r.Context()); c == nil || c.Role != role {
			writeErrorCode(w, http.StatusForbidden, "FORBIDDEN", role+" role required")
			return
		}
		next(w, r)
	}
}
