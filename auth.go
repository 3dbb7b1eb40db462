package bridge

import (
	"crypto/ed25519"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/rgb-tools/rgb-multisig-bridge/errors"
)

const (
	roleCosigner  = "cosigner"
	roleWatchOnly = "watch-only"
)

// Facts are the verified statements a capability token carries.
type Facts struct {
	Role string
	XPub string
}

// TokenVerifier checks a capability token against the root key and
// extracts its facts. Identity resolution never touches token
// cryptography itself.
type TokenVerifier interface {
	Verify(token string) (*Facts, error)
}

// JWTVerifier verifies EdDSA signed tokens against the configured root
// public key. An embedded exp claim is enforced during parsing.
type JWTVerifier struct {
	key ed25519.PublicKey
}

func NewJWTVerifier(key ed25519.PublicKey) *JWTVerifier {
	return &JWTVerifier{key: key}
}

type tokenClaims struct {
	Role string `json:"role"`
	XPub string `json:"xpub,omitempty"`
	jwt.RegisteredClaims
}

func (v *JWTVerifier) Verify(token string) (*Facts, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(
		token,
		&claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
	)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnauthorized, "invalid token: %v", err)
	}

	return &Facts{Role: claims.Role, XPub: claims.XPub}, nil
}

type Role uint8

const (
	RoleCosigner Role = iota + 1
	RoleWatchOnly
)

// Identity is the resolved caller of one request: a cosigner bound to
// one of the configured xpubs, or a read-only watcher. It lives for a
// single request and is never cached.
type Identity struct {
	Role Role
	XPub string
}

func (id *Identity) Cosigner() bool {
	return id.Role == RoleCosigner
}

func resolveIdentity(cfg *Config, facts *Facts) (*Identity, error) {
	switch facts.Role {
	case roleCosigner:
		if facts.XPub == "" {
			return nil, errors.Wrap(errors.ErrUnauthorized, "cosigner token without xpub")
		}
		if !cfg.IsCosigner(facts.XPub) {
			return nil, errors.Wrap(errors.ErrUnauthorized, "unknown cosigner")
		}
		return &Identity{Role: RoleCosigner, XPub: facts.XPub}, nil
	case roleWatchOnly:
		if facts.XPub != "" {
			return nil, errors.Wrap(errors.ErrUnauthorized, "watch-only token with xpub")
		}
		return &Identity{Role: RoleWatchOnly}, nil
	default:
		return nil, errors.Wrapf(errors.ErrUnauthorized, "unknown role %q", facts.Role)
	}
}

// watchOnlyRoutes are the paths a watch-only identity may call. Every
// other route requires a cosigner.
var watchOnlyRoutes = map[string]bool{
	"/info":                     true,
	"/getoperationbyidx":        true,
	"/getcurrentaddressindices": true,
	"/getlastprocessedopidx":    true,
}

func extractBearerToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	return strings.TrimPrefix(token, "Bearer ")
}

func handleAuth(verifier TokenVerifier, cfg *Config) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token := extractBearerToken(r)
			if token == "" {
				renderErr(w, errors.Wrap(errors.ErrUnauthorized, "missing bearer token"))
				return
			}

			facts, err := verifier.Verify(token)
			if err != nil {
				renderErr(w, err)
				return
			}

			id, err := resolveIdentity(cfg, facts)
			if err != nil {
				renderErr(w, err)
				return
			}

			if !id.Cosigner() && !watchOnlyRoutes[r.URL.Path] {
				slog.Warn("watch-only access to forbidden path", "path", r.URL.Path)
				renderErr(w, errors.Wrap(errors.ErrForbidden, "watch-only cannot access this route"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, id)))
		}

		return http.HandlerFunc(fn)
	}
}
