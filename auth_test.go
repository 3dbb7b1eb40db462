package bridge

import (
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgb-tools/rgb-multisig-bridge/errors"
)

func signToken(t *testing.T, key ed25519.PrivateKey, claims tokenClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	require.NoError(t, err)

	return token
}

func cosignerToken(t *testing.T, key ed25519.PrivateKey, xpub string) string {
	t.Helper()

	return signToken(t, key, tokenClaims{Role: roleCosigner, XPub: xpub})
}

func watchOnlyToken(t *testing.T, key ed25519.PrivateKey) string {
	t.Helper()

	return signToken(t, key, tokenClaims{Role: roleWatchOnly})
}

func TestJWTVerifier(t *testing.T) {
	priv, _ := testRootKey(t)
	v := NewJWTVerifier(priv.Public().(ed25519.PublicKey))

	facts, err := v.Verify(cosignerToken(t, priv, "xpub0"))
	require.NoError(t, err)
	assert.Equal(t, roleCosigner, facts.Role)
	assert.Equal(t, "xpub0", facts.XPub)

	facts, err = v.Verify(watchOnlyToken(t, priv))
	require.NoError(t, err)
	assert.Equal(t, roleWatchOnly, facts.Role)
	assert.Empty(t, facts.XPub)

	// an unexpired token passes, an expired one does not
	facts, err = v.Verify(signToken(t, priv, tokenClaims{
		Role: roleWatchOnly,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, roleWatchOnly, facts.Role)

	_, err = v.Verify(signToken(t, priv, tokenClaims{
		Role: roleCosigner,
		XPub: "xpub0",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}))
	assert.True(t, errors.ErrUnauthorized.Is(err))

	// signed by somebody else
	other, _ := testRootKey(t)
	_, err = v.Verify(cosignerToken(t, other, "xpub0"))
	assert.True(t, errors.ErrUnauthorized.Is(err))

	// only EdDSA is accepted
	hmac, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{Role: roleCosigner, XPub: "xpub0"}).
		SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.Verify(hmac)
	assert.True(t, errors.ErrUnauthorized.Is(err))

	_, err = v.Verify("not a token")
	assert.True(t, errors.ErrUnauthorized.Is(err))
}

func TestResolveIdentity(t *testing.T) {
	cfg := testConfig()

	cases := map[string]struct {
		facts Facts
		want  *Identity
	}{
		"cosigner":               {facts: Facts{Role: roleCosigner, XPub: "xpub0"}, want: &Identity{Role: RoleCosigner, XPub: "xpub0"}},
		"watch only":             {facts: Facts{Role: roleWatchOnly}, want: &Identity{Role: RoleWatchOnly}},
		"cosigner without xpub":  {facts: Facts{Role: roleCosigner}},
		"cosigner unknown xpub":  {facts: Facts{Role: roleCosigner, XPub: "xpub9"}},
		"watch only with xpub":   {facts: Facts{Role: roleWatchOnly, XPub: "xpub0"}},
		"unknown role":           {facts: Facts{Role: "admin", XPub: "xpub0"}},
		"empty role":             {facts: Facts{}},
	}

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			id, err := resolveIdentity(cfg, &tc.facts)
			if tc.want == nil {
				assert.True(t, errors.ErrUnauthorized.Is(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, id)
		})
	}
}

func TestHandleAuth(t *testing.T) {
	priv, rootKey := testRootKey(t)
	cfg := testConfig()
	cfg.RootPublicKey = rootKey

	var got *Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := handleAuth(NewJWTVerifier(priv.Public().(ed25519.PublicKey)), cfg)(next)

	do := func(path, token string) *httptest.ResponseRecorder {
		got = nil
		r := httptest.NewRequest(http.MethodPost, path, nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	w := do("/postoperation", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do("/postoperation", "garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do("/postoperation", cosignerToken(t, priv, "xpub1"))
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, RoleCosigner, got.Role)
	assert.Equal(t, "xpub1", got.XPub)

	// watch-only may read, never mutate
	w = do("/info", watchOnlyToken(t, priv))
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, RoleWatchOnly, got.Role)

	w = do("/postoperation", watchOnlyToken(t, priv))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Nil(t, got)
}
