package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	UserID   string
	DeviceID string
	JTI      string
}

// AccessTokenClaims represents the typed JWT presented by sync clients. The
// user id is the opaque account identifier issued by the identity provider.
type AccessTokenClaims struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}
