package gateway

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medibridge/dicom-bridge/pkg/config"
	"github.com/medibridge/dicom-bridge/pkg/types"
)

const testHMACSecret = "unit-test-secret"

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		Issuer:      "https://idp.example.org",
		Audience:    []string{"dicom-bridge"},
		Keys:        []config.KeyConfig{{KID: "k1", Alg: "HS256", Secret: testHMACSecret}},
		ClinicClaim: "clinic_id",
		ClockSkew:   30,
	}
}

func mintToken(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString([]byte(testHMACSecret))
	require.NoError(t, err)
	return signed
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "dr-jones",
		"iss":       "https://idp.example.org",
		"aud":       "dicom-bridge",
		"exp":       time.Now().Add(time.Hour).Unix(),
		"roles":     []string{types.RoleViewer},
		"clinic_id": "clinic-a",
	}
}

func TestAuthenticator_ValidToken(t *testing.T) {
	auth, err := NewAuthenticator(testAuthConfig())
	require.NoError(t, err)

	principal, err := auth.Authenticate(mintToken(t, "k1", baseClaims()))
	require.NoError(t, err)
	assert.Equal(t, "dr-jones", principal.Subject)
	assert.Equal(t, []string{types.RoleViewer}, principal.Roles)
	assert.Equal(t, "clinic-a", principal.ClinicID)
}

func TestAuthenticator_ExpiredToken(t *testing.T) {
	auth, err := NewAuthenticator(testAuthConfig())
	require.NoError(t, err)

	claims := baseClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()

	_, err = auth.Authenticate(mintToken(t, "k1", claims))
	require.Error(t, err)
	var bridgeErr *types.BridgeError
	require.ErrorAs(t, err, &bridgeErr)
	assert.Equal(t, types.ErrCodeExpired, bridgeErr.Code)
}

func TestAuthenticator_ClockSkewTolerated(t *testing.T) {
	auth, err := NewAuthenticator(testAuthConfig())
	require.NoError(t, err)

	claims := baseClaims()
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix()

	_, err = auth.Authenticate(mintToken(t, "k1", claims))
	assert.NoError(t, err, "expiry within configured skew should pass")
}

func TestAuthenticator_MissingExpiry(t *testing.T) {
	auth, err := NewAuthenticator(testAuthConfig())
	require.NoError(t, err)

	claims := baseClaims()
	delete(claims, "exp")

	_, err = auth.Authenticate(mintToken(t, "k1", claims))
	assert.Error(t, err)
}

func TestAuthenticator_IssuerMismatch(t *testing.T) {
	auth, err := NewAuthenticator(testAuthConfig())
	require.NoError(t, err)

	claims := baseClaims()
	claims["iss"] = "https://other-idp.example.org"

	_, err = auth.Authenticate(mintToken(t, "k1", claims))
	assert.Error(t, err)
}

func TestAuthenticator_AudienceList(t *testing.T) {
	auth, err := NewAuthenticator(testAuthConfig())
	require.NoError(t, err)

	claims := baseClaims()
	claims["aud"] = []string{"something-else", "dicom-bridge"}

	_, err = auth.Authenticate(mintToken(t, "k1", claims))
	assert.NoError(t, err)

	claims["aud"] = []string{"something-else"}
	_, err = auth.Authenticate(mintToken(t, "k1", claims))
	assert.Error(t, err)
}

func TestAuthenticator_UnknownKeyID(t *testing.T) {
	auth, err := NewAuthenticator(testAuthConfig())
	require.NoError(t, err)

	_, err = auth.Authenticate(mintToken(t, "k9", baseClaims()))
	assert.Error(t, err)
}

func TestAuthenticator_TamperedSignature(t *testing.T) {
	auth, err := NewAuthenticator(testAuthConfig())
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims())
	token.Header["kid"] = "k1"
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	_, err = auth.Authenticate(signed)
	assert.Error(t, err)
}

func TestAuthenticator_DottedRoleClaims(t *testing.T) {
	cfg := testAuthConfig()
	cfg.RoleClaim = "realm_access.roles"
	cfg.ExtraRoleClaims = []string{"resource_access.bridge.roles"}

	auth, err := NewAuthenticator(cfg)
	require.NoError(t, err)

	claims := baseClaims()
	delete(claims, "roles")
	claims["realm_access"] = map[string]interface{}{"roles": []string{types.RoleReader}}
	claims["resource_access"] = map[string]interface{}{
		"bridge": map[string]interface{}{"roles": types.RoleViewer},
	}

	principal, err := auth.Authenticate(mintToken(t, "k1", claims))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{types.RoleReader, types.RoleViewer}, principal.Roles)
}

func TestAuthenticator_DisabledGrantsAllRoles(t *testing.T) {
	auth, err := NewAuthenticator(config.AuthConfig{Disabled: true})
	require.NoError(t, err)

	principal, err := auth.Authenticate("")
	require.NoError(t, err)
	assert.Equal(t, "dev", principal.Subject)
	assert.Contains(t, principal.Roles, types.RoleAdministrator)
	assert.Contains(t, principal.Roles, types.RolePushAgent)
}

func TestNewAuthenticator_RejectsBadKeyMaterial(t *testing.T) {
	_, err := NewAuthenticator(config.AuthConfig{
		Keys: []config.KeyConfig{{KID: "k1", Alg: "RS256", PublicKeyPEM: "not a pem"}},
	})
	assert.Error(t, err)

	_, err = NewAuthenticator(config.AuthConfig{
		Keys: []config.KeyConfig{{KID: "k1", Alg: "HS256"}},
	})
	assert.Error(t, err, "HMAC key without a secret")
}
