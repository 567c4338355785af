package gateway

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medibridge/dicom-bridge/pkg/config"
	"github.com/medibridge/dicom-bridge/pkg/types"
)

// Authenticator verifies bearer tokens against a statically configured
// key set. No network fetch of keys; everything needed to verify is in
// configuration.
type Authenticator struct {
	disabled    bool
	issuer      string
	audience    []string
	keys        map[string]verificationKey
	roleClaims  []string
	clinicClaim string
	skew        time.Duration
}

type verificationKey struct {
	alg string
	key interface{}
}

// NewAuthenticator builds the authenticator from the configured key set.
// Keys with unusable material are rejected here so bad configuration
// fails at startup, not on the first request.
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{
		disabled:    cfg.Disabled,
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		keys:        make(map[string]verificationKey),
		clinicClaim: cfg.ClinicClaim,
		skew:        time.Duration(cfg.ClockSkew) * time.Second,
	}

	roleClaim := cfg.RoleClaim
	if roleClaim == "" {
		roleClaim = "roles"
	}
	a.roleClaims = append([]string{roleClaim}, cfg.ExtraRoleClaims...)

	for _, kc := range cfg.Keys {
		key, err := parseKeyMaterial(kc)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", kc.KID, err)
		}
		a.keys[kc.KID] = verificationKey{alg: kc.Alg, key: key}
	}
	return a, nil
}

// Authenticate verifies the token and derives the request principal.
// Malformed tokens, bad signatures, expiry, issuer and audience
// mismatches all surface as authentication errors; role checks happen
// later at the route table.
func (a *Authenticator) Authenticate(tokenString string) (*types.Principal, error) {
	if a.disabled {
		return &types.Principal{
			Subject: "dev",
			Roles:   []string{types.RoleAdministrator, types.RoleReader, types.RoleViewer, types.RolePushAgent},
			Claims:  map[string]interface{}{},
		}, nil
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, a.keyfunc)
	if err != nil {
		return nil, types.NewAuthenticationError(types.ErrCodeUnauthorized, "invalid token: "+err.Error())
	}
	if !token.Valid {
		return nil, types.NewAuthenticationError(types.ErrCodeUnauthorized, "invalid token")
	}

	now := time.Now()
	if exp, err := claims.GetExpirationTime(); err != nil || exp == nil {
		return nil, types.NewAuthenticationError(types.ErrCodeUnauthorized, "token has no expiry")
	} else if now.After(exp.Time.Add(a.skew)) {
		return nil, types.NewAuthenticationError(types.ErrCodeExpired, "token expired")
	}
	if nbf, _ := claims.GetNotBefore(); nbf != nil && now.Add(a.skew).Before(nbf.Time) {
		return nil, types.NewAuthenticationError(types.ErrCodeUnauthorized, "token not yet valid")
	}

	if a.issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != a.issuer {
			return nil, types.NewAuthenticationError(types.ErrCodeUnauthorized, "issuer mismatch")
		}
	}
	if len(a.audience) > 0 && !audienceMatch(claims["aud"], a.audience) {
		return nil, types.NewAuthenticationError(types.ErrCodeUnauthorized, "audience mismatch")
	}

	subject, _ := claims.GetSubject()
	principal := &types.Principal{
		Subject: subject,
		Claims:  claims,
	}
	for _, path := range a.roleClaims {
		principal.Roles = append(principal.Roles, extractRoles(claims, path)...)
	}
	if a.clinicClaim != "" {
		if v, ok := lookupClaimPath(claims, a.clinicClaim); ok {
			if s, ok := v.(string); ok {
				principal.ClinicID = s
			}
		}
	}
	return principal, nil
}

// keyfunc selects a configured key by declared kid and checks the
// declared algorithm matches the key's configured family.
func (a *Authenticator) keyfunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	vk, ok := a.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	if !strings.EqualFold(token.Method.Alg(), vk.alg) {
		return nil, fmt.Errorf("algorithm %s does not match key %q", token.Method.Alg(), kid)
	}
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC, *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
		return vk.key, nil
	default:
		return nil, fmt.Errorf("unsupported signing method %s", token.Method.Alg())
	}
}

// audienceMatch checks for a non-empty intersection. The token side may
// be a scalar or a list, matching the configuration side.
func audienceMatch(tokenAud interface{}, wanted []string) bool {
	var have []string
	switch v := tokenAud.(type) {
	case string:
		have = []string{v}
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				have = append(have, s)
			}
		}
	case []string:
		have = v
	default:
		return false
	}
	for _, h := range have {
		for _, w := range wanted {
			if h == w {
				return true
			}
		}
	}
	return false
}

// extractRoles reads roles at a dotted claim path. The terminal value
// may be a scalar role or a list.
func extractRoles(claims jwt.MapClaims, path string) []string {
	v, ok := lookupClaimPath(claims, path)
	if !ok {
		return nil
	}
	switch roles := v.(type) {
	case string:
		return []string{roles}
	case []interface{}:
		var out []string
		for _, item := range roles {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return roles
	}
	return nil
}

func lookupClaimPath(claims jwt.MapClaims, path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(claims)
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// parseKeyMaterial turns one key config into verification material for
// its algorithm family.
func parseKeyMaterial(kc config.KeyConfig) (interface{}, error) {
	switch {
	case strings.HasPrefix(kc.Alg, "HS"):
		if kc.Secret == "" {
			return nil, fmt.Errorf("HMAC key requires a secret")
		}
		return []byte(kc.Secret), nil
	case strings.HasPrefix(kc.Alg, "RS"), strings.HasPrefix(kc.Alg, "ES"):
		if kc.PublicKeyPEM == "" {
			return nil, fmt.Errorf("%s key requires public key PEM", kc.Alg)
		}
		block, _ := pem.Decode([]byte(kc.PublicKeyPEM))
		if block == nil {
			return nil, fmt.Errorf("invalid PEM block")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		switch key := pub.(type) {
		case *rsa.PublicKey:
			if !strings.HasPrefix(kc.Alg, "RS") {
				return nil, fmt.Errorf("RSA key configured for %s", kc.Alg)
			}
			return key, nil
		case *ecdsa.PublicKey:
			if !strings.HasPrefix(kc.Alg, "ES") {
				return nil, fmt.Errorf("ECDSA key configured for %s", kc.Alg)
			}
			return key, nil
		default:
			return nil, fmt.Errorf("unsupported public key type %T", pub)
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", kc.Alg)
	}
}
