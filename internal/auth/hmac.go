package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims read and issued by HMACVerifier.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// HMACVerifier checks HS256 tokens signed with a shared secret. It suits
// local development and service-to-service calls.
type HMACVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewHMAC creates a verifier. Empty issuer or audience are not checked.
func NewHMAC(secret, issuer, audience string) (*HMACVerifier, error) {
	if secret == "" {
		return nil, errors.New("hmac secret is required")
	}
	return &HMACVerifier{secret: []byte(secret), issuer: issuer, audience: audience}, nil
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(_ context.Context, token string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// Issue signs a token for userID valid for ttl.
func (v *HMACVerifier) Issue(userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
