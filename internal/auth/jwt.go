package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// JWTProvider validates HS256 tokens signed with a shared secret. The
// subject claim is the user id.
type JWTProvider struct {
	secret []byte
}

// NewJWTProvider creates a JWTProvider. The secret must be at least 32 bytes.
func NewJWTProvider(secret string) (*JWTProvider, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters")
	}
	return &JWTProvider{secret: []byte(secret)}, nil
}

func (p *JWTProvider) Identify(r *http.Request) (*Identity, error) {
	return identifyBearer(r, p)
}

// ValidateToken parses a signed token and returns an Identity.
func (p *JWTProvider) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthorized
	}
	sub := claimStr(claims, "sub")
	if sub == "" {
		return nil, ErrUnauthorized
	}

	username := sub
	switch {
	case claimStr(claims, "name") != "":
		username = claimStr(claims, "name")
	case claimStr(claims, "email") != "":
		username = claimStr(claims, "email")
	}
	return &Identity{UserID: sub, Username: username}, nil
}

func (p *JWTProvider) Name() string { return "jwt" }

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
