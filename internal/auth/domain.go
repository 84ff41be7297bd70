package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the JWT claims accepted by the API. Subject identifies the
// caller and becomes the movement's created_by.
type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}
