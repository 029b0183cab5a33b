package auth

import (
	"context"
	"errors"

	"google.golang.org/api/idtoken"
)

var (
	ErrInvalidGoogleToken = errors.New("invalid google id token")
	ErrEmailNotVerified   = errors.New("google account email is not verified")
)

// GoogleProfile Google ID 토큰에서 추출한 프로필
type GoogleProfile struct {
	Subject   string
	Email     string
	Name      string
	AvatarURL string
}

// GoogleAuthenticator Google ID 토큰 검증기
type GoogleAuthenticator struct {
	clientID string
}

// NewGoogleAuthenticator GoogleAuthenticator 생성
func NewGoogleAuthenticator(clientID string) *GoogleAuthenticator {
	return &GoogleAuthenticator{clientID: clientID}
}

// VerifyIDToken validates the token against Google and extracts the profile.
// Claims arrive as an untyped map; every field goes through stringClaim so a
// token missing one never panics the handler. A token without an email, or
// with an unverified one, is rejected outright.
func (g *GoogleAuthenticator) VerifyIDToken(ctx context.Context, token string) (*GoogleProfile, error) {
	payload, err := idtoken.Validate(ctx, token, g.clientID)
	if err != nil {
		return nil, ErrInvalidGoogleToken
	}

	email := stringClaim(payload.Claims, "email")
	if email == "" {
		return nil, ErrInvalidGoogleToken
	}
	if verified, _ := payload.Claims["email_verified"].(bool); !verified {
		return nil, ErrEmailNotVerified
	}

	return &GoogleProfile{
		Subject:   payload.Subject,
		Email:     email,
		Name:      stringClaim(payload.Claims, "name"),
		AvatarURL: stringClaim(payload.Claims, "picture"),
	}, nil
}

func stringClaim(claims map[string]interface{}, key string) string {
	v, _ := claims[key].(string)
	return v
}
