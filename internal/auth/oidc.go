package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

const firebaseIssuerPrefix = "https://securetoken.google.com/"

// OIDCVerifier checks ID tokens signed by an OpenID Connect provider.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDC discovers issuer and verifies tokens whose audience is audience.
func NewOIDC(ctx context.Context, issuer, audience string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer %s: %w", issuer, err)
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: audience})}, nil
}

// NewFirebase verifies Firebase Authentication ID tokens for projectID.
func NewFirebase(ctx context.Context, projectID string) (*OIDCVerifier, error) {
	if projectID == "" {
		return nil, fmt.Errorf("firebase project id is required")
	}
	return NewOIDC(ctx, firebaseIssuerPrefix+projectID, projectID)
}

// NewOIDCWithKeys verifies tokens against a fixed key set instead of the
// issuer's published keys.
func NewOIDCWithKeys(issuer, audience string, keys oidc.KeySet) *OIDCVerifier {
	return &OIDCVerifier{verifier: oidc.NewVerifier(issuer, keys, &oidc.Config{ClientID: audience})}
}

// Verify implements Verifier. Firebase puts the uid in both sub and user_id.
func (v *OIDCVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	uid := idToken.Subject
	if uid == "" {
		uid = claims.UserID
	}
	if uid == "" {
		return Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return Identity{UserID: uid, Email: claims.Email}, nil
}
