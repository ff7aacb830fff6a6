package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// UserIdentity is the authenticated principal extracted from a bearer token
type UserIdentity struct {
	UserID string
	Email  string
	Name   string
	Roles  []string
}

// AuthenticationError indicates a bearer token that failed validation.
// Connections presenting one are rejected, never downgraded to anonymous.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// Validator validates opaque bearer credentials presented at connection time
type Validator interface {
	Validate(token string) (*UserIdentity, error)
}

// JWTValidator validates HMAC-signed JWTs issued by the external auth service
type JWTValidator struct {
	secret        []byte
	issuer        string
	signingMethod string
}

// NewJWTValidator creates a validator for tokens signed with the shared secret
func NewJWTValidator(secret, issuer, signingMethod string) *JWTValidator {
	if signingMethod == "" {
		signingMethod = "HS256"
	}
	return &JWTValidator{
		secret:        []byte(secret),
		issuer:        issuer,
		signingMethod: signingMethod,
	}
}

// Validate parses and validates a bearer token, returning the user identity
func (v *JWTValidator) Validate(tokenStr string) (*UserIdentity, error) {
	if tokenStr == "" {
		return nil, &AuthenticationError{Reason: "missing token"}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.signingMethod}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, &AuthenticationError{Reason: err.Error()}
	}
	if !token.Valid {
		return nil, &AuthenticationError{Reason: "invalid token"}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, &AuthenticationError{Reason: "unexpected claims type"}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, &AuthenticationError{Reason: "missing subject claim"}
	}

	identity := &UserIdentity{UserID: sub}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	if rawRoles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range rawRoles {
			if role, ok := r.(string); ok {
				identity.Roles = append(identity.Roles, role)
			}
		}
	}

	return identity, nil
}
