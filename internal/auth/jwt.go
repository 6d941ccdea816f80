package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const adminTokenTTL = 12 * time.Hour

// AdminClaims represents admin claims.
type AdminClaims struct {
	Login string `json:"login"`
	jwt.RegisteredClaims
}

// SignAdminToken signs admin token.
func SignAdminToken(secret string, login string) (string, error) {
	claims := AdminClaims{
		Login: login,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(adminTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   "admin",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAdminToken parses admin token.
func ParseAdminToken(secret string, tokenString string) (*AdminClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*AdminClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
