package httpapi

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"

	"github.com/runestone-gateway/runestone/config"
)

// JWTVerifier validates bearer JWTs as an alternative admission path
// alongside the primary "sk-..." API key lookup -- for service-to-service
// callers that authenticate via an identity provider rather than a
// provisioned gateway key. Supports HS256 (shared secret) and RS256 (public
// key, PEM-encoded on disk).
type JWTVerifier struct {
	hmacSecret []byte
	rsaKey     *rsa.PublicKey
}

// NewJWTVerifier builds a verifier from AuthConfig. Returns nil, nil when
// JWT admission is disabled.
func NewJWTVerifier(cfg config.AuthConfig) (*JWTVerifier, error) {
	if !cfg.JWTEnabled {
		return nil, nil
	}

	v := &JWTVerifier{}
	if cfg.JWTSecret != "" {
		v.hmacSecret = []byte(cfg.JWTSecret)
	}
	if cfg.JWTPublicKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read jwt public key: %w", err)
		}
		block, _ := pem.Decode(pemBytes)
		if block == nil {
			return nil, fmt.Errorf("decode jwt public key: no PEM block found")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse jwt public key: %w", err)
		}
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("jwt public key is not RSA")
		}
		v.rsaKey = rsaKey
	}
	if v.hmacSecret == nil && v.rsaKey == nil {
		return nil, fmt.Errorf("jwt auth enabled but neither jwt_secret nor jwt_public_key_path is set")
	}
	return v, nil
}

// Verify parses and validates tokenString, returning its claims on success.
func (v *JWTVerifier) Verify(tokenString string) (jwt.MapClaims, error) {
	keyFunc := func(token *jwt.Token) (any, error) {
		switch token.Method.Alg() {
		case "HS256":
			if v.hmacSecret == nil {
				return nil, fmt.Errorf("HMAC secret not configured")
			}
			return v.hmacSecret, nil
		case "RS256":
			if v.rsaKey == nil {
				return nil, fmt.Errorf("RSA public key not configured")
			}
			return v.rsaKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
	}

	token, err := jwt.Parse(tokenString, keyFunc, jwt.WithValidMethods([]string{"HS256", "RS256"}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// subject returns the claim identifying the caller for rate-limiting
// purposes: tenant_id if present, else the standard "sub" claim.
func subject(claims jwt.MapClaims) string {
	if tenantID, ok := claims["tenant_id"].(string); ok && tenantID != "" {
		return "jwt:" + tenantID
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return "jwt:" + sub
	}
	return "jwt:anonymous"
}
