package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dvcrn/waystation-auth/internal/credentials"
	"github.com/dvcrn/waystation-auth/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// credentialFromToken converts a token response. With prev set (refresh),
// the refresh token, ID token and identity the response omits are kept.
func (b *OAuthBroker) credentialFromToken(ctx context.Context, tok *oauth2.Token, prev *credentials.Credential) (credentials.Credential, error) {
	cred := credentials.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		cred.ExpiresAt = tok.Expiry.Unix()
	}

	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		if b.verifier != nil {
			if _, err := b.verifier.Verify(b.httpContext(ctx), raw); err != nil {
				return credentials.Credential{}, fmt.Errorf("%w: id token verification: %w", errors.ErrExchangeFailed, err)
			}
		}
		cred.IDToken = raw
	}

	if prev == nil {
		return cred, nil
	}

	if cred.RefreshToken == "" {
		cred.RefreshToken = prev.RefreshToken
	}
	if cred.IDToken == "" {
		cred.IDToken = prev.IDToken
	}
	if prev.Identity != nil {
		id := *prev.Identity
		cred.Identity = &id
	} else if cred.IDToken != "" {
		cred.Identity, _ = identityFromIDToken(cred.IDToken)
	}
	return cred, nil
}

// resolveIdentity tries the OIDC user-info endpoint, then the configured
// user-info URL, then the ID token claims. Nil when none yields a subject.
func (b *OAuthBroker) resolveIdentity(ctx context.Context, tok *oauth2.Token, idToken string) *credentials.Identity {
	if b.provider != nil {
		info, err := b.provider.UserInfo(b.httpContext(ctx), oauth2.StaticTokenSource(tok))
		if err == nil {
			var id credentials.Identity
			if err := info.Claims(&id); err == nil {
				if id.Subject == "" {
					id.Subject = info.Subject
				}
				if id.Subject != "" {
					return &id
				}
			}
		} else {
			b.logger.Warn().Err(err).Msg("OIDC user info lookup failed")
		}
	} else if b.cfg.UserInfoURL != "" {
		id, err := b.fetchUserInfo(ctx, tok.AccessToken)
		if err == nil {
			return id
		}
		b.logger.Warn().Err(err).Msg("User info lookup failed")
	}

	if idToken != "" {
		id, err := identityFromIDToken(idToken)
		if err == nil {
			return id
		}
		b.logger.Warn().Err(err).Msg("Could not read identity from ID token")
	}
	return nil
}

func (b *OAuthBroker) fetchUserInfo(ctx context.Context, accessToken string) (*credentials.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("user info request failed with status %d: %s", resp.StatusCode, body)
	}

	var id credentials.Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if id.Subject == "" {
		return nil, fmt.Errorf("user info has no subject")
	}
	return &id, nil
}

// identityFromIDToken reads the profile claims without checking the
// signature. Only used for display when no user-info source answered.
func identityFromIDToken(raw string) (*credentials.Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to parse id token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("id token has no subject")
	}

	id := &credentials.Identity{Subject: sub}
	id.Name, _ = claims["name"].(string)
	id.Email, _ = claims["email"].(string)
	id.Picture, _ = claims["picture"].(string)
	return id, nil
}
