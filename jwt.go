package collab

import (
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity derived once from the bearer credential at session entry.
// never mutated; expiry is checked at the point of use.
type Identity struct {
	UserId    string
	ExpiresAt time.Time
}

// the credential is validated by the session service on every call.
// the client only needs the subject and expiry, so an unverified parse
// is sufficient here.
func ParseIdentityUnverified(token string) (*Identity, error) {
	parser := gojwt.NewParser()
	parsedToken, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsedToken.Claims.(gojwt.MapClaims)

	identity := &Identity{}

	userId, err := claims.GetSubject()
	if err != nil || userId == "" {
		return nil, errors.New("credential is missing the subject claim")
	}
	identity.UserId = userId

	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		identity.ExpiresAt = expiresAt.Time
	}

	return identity, nil
}

func (self *Identity) Expired(now time.Time) bool {
	if self.ExpiresAt.IsZero() {
		return false
	}
	return self.ExpiresAt.Before(now)
}
