package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCVerifier validates bearer tokens against an OpenID Connect issuer.
// ID tokens are verified locally; anything else is treated as an access
// token and resolved through the userinfo endpoint.
type OIDCVerifier struct {
	provider      *oidc.Provider
	verifier      *oidc.IDTokenVerifier
	usernameClaim string
}

// NewOIDCVerifier discovers the issuer configuration.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID, usernameClaim string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	if usernameClaim == "" {
		usernameClaim = "preferred_username"
	}
	return &OIDCVerifier{
		provider:      provider,
		verifier:      provider.Verifier(&oidc.Config{ClientID: clientID}),
		usernameClaim: usernameClaim,
	}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	claims := map[string]any{}
	if strings.Count(rawToken, ".") == 2 {
		idToken, err := v.verifier.Verify(ctx, rawToken)
		if err == nil {
			if err := idToken.Claims(&claims); err != nil {
				return nil, fmt.Errorf("decode claims: %w", err)
			}
			return identityFromClaims(claims, v.usernameClaim)
		}
	}
	info, err := v.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: rawToken}))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return identityFromClaims(claims, v.usernameClaim)
}

func identityFromClaims(claims map[string]any, usernameClaim string) (*Identity, error) {
	id := &Identity{}
	id.Subject, _ = claims["sub"].(string)
	id.Email, _ = claims["email"].(string)
	id.Username, _ = claims[usernameClaim].(string)
	if id.Username == "" && id.Email != "" {
		id.Username, _, _ = strings.Cut(id.Email, "@")
	}
	if id.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	if id.Username == "" {
		return nil, fmt.Errorf("token has no %s claim", usernameClaim)
	}
	return id, nil
}
