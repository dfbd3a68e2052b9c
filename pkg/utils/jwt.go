package utils

import (
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maheshrc27/brandflow/internal/transfer"
)

const issuer = "brandflow"

func GenerateToken(secretKey, userID string, tokenDuration time.Duration) (string, error) {
	claims := transfer.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    issuer,
		},
	}
	return sign(secretKey, claims)
}

func ValidateToken(secretKey, tokenString string) (*transfer.SessionClaims, error) {
	claims := &transfer.SessionClaims{}
	if err := parse(secretKey, tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// GenerateStateToken signs the OAuth state carrying which client and
// platform a callback belongs to.
func GenerateStateToken(secretKey, clientID, platform string, ttl time.Duration) (string, error) {
	nonce, err := GenerateRandomKey(16)
	if err != nil {
		return "", err
	}
	claims := transfer.OAuthStateClaims{
		ClientID: clientID,
		Platform: platform,
		Nonce:    nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    issuer,
		},
	}
	return sign(secretKey, claims)
}

func ValidateStateToken(secretKey, tokenString string) (*transfer.OAuthStateClaims, error) {
	claims := &transfer.OAuthStateClaims{}
	if err := parse(secretKey, tokenString, claims); err != nil {
		return nil, err
	}
	if claims.ClientID == "" || claims.Platform == "" {
		return nil, errors.New("state is missing client or platform")
	}
	return claims, nil
}

func sign(secretKey string, claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secretKey))
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}
	return signed, nil
}

func parse(secretKey, tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid token signing method")
		}
		return []byte(secretKey), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}
