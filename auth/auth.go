package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"rtchat/chaterr"
)

const opVerify = "authenticate"

// Verifier turns an opaque credential into the user id it was issued for.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Claims issued by the credential service. Only userId is required.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return "", chaterr.Authentication(opVerify, errors.New("missing token"))
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", chaterr.Authentication(opVerify, err)
	}
	if claims.UserID == "" {
		return "", chaterr.Authentication(opVerify, errors.New("token has no userId claim"))
	}

	return claims.UserID, nil
}

// Sign issues a token for userID. It is used by tests and the dev tooling;
// production tokens come from the credential service.
func Sign(secret, userID string, claims jwt.RegisteredClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: userID, RegisteredClaims: claims})
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
