package transfer

import "github.com/golang-jwt/jwt/v5"

// SessionClaims identify the agency user calling the API.
type SessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// OAuthStateClaims travel through a platform's OAuth redirect as the state parameter.
type OAuthStateClaims struct {
	ClientID string `json:"client_id"`
	Platform string `json:"platform"`
	Nonce    string `json:"nonce"`
	jwt.RegisteredClaims
}
