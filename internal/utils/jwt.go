package utils

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"codecanvas/internal/models"
)

var parseJWT = func(tokenStr string, claims jwt.Claims, keyFunc jwt.Keyfunc) (*jwt.Token, error) {
	return jwt.ParseWithClaims(tokenStr, claims, keyFunc)
}

var (
	ErrMissingAuthHeader = errors.New("missing or malformed Authorization header")
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidClaims     = errors.New("invalid token claims")
)

// IdentityClaims is the payload of an account token. The user id may be
// carried either as "id" or as the registered "sub" claim.
type IdentityClaims struct {
	UserID   string `json:"id,omitempty"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ValidateIdentityToken checks an HMAC-signed account token and returns its claims.
func ValidateIdentityToken(tokenStr string, secret []byte) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	token, err := parseJWT(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil || token == nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	parsed, ok := token.Claims.(*IdentityClaims)
	if !ok {
		return nil, ErrInvalidClaims
	}
	if parsed.UserID == "" {
		parsed.UserID = parsed.Subject
	}
	if parsed.UserID == "" || parsed.Username == "" {
		return nil, ErrInvalidClaims
	}
	return parsed, nil
}

// ExtractTokenFromHeader extracts the token from the Authorization header
func ExtractTokenFromHeader(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " || authHeader[7:] == "" {
		return "", ErrMissingAuthHeader
	}
	return authHeader[7:], nil
}

// JWTResolver turns a connection credential into a verified identity.
type JWTResolver struct {
	secret []byte
}

func NewJWTResolver(secret string) *JWTResolver { return &JWTResolver{secret: []byte(secret)} }

// Resolve returns (nil, nil) for an empty credential: the caller is anonymous.
func (r *JWTResolver) Resolve(token string) (*models.Identity, error) {
	if token == "" {
		return nil, nil
	}
	claims, err := ValidateIdentityToken(token, r.secret)
	if err != nil {
		return nil, err
	}
	return &models.Identity{ID: claims.UserID, Username: claims.Username}, nil
}
