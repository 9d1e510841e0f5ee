package api

import (
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

// KeyID is the key id assumed for tokens issued without a "kid" header.
const KeyID = "pocketbase"

var ErrMissingToken = errors.New("missing authorization token")

type Auth struct{ jwks *keyfunc.JWKS }

// NewAuth verifies HS256 tokens signed with secret.
func NewAuth(secret string) *Auth {
	given := map[string]keyfunc.GivenKey{
		KeyID: keyfunc.NewGivenHMACCustomWithOptions([]byte(secret), keyfunc.GivenKeyOptions{
			Algorithm: jwt.SigningMethodHS256.Alg(),
		}),
	}

	return &Auth{keyfunc.NewGiven(given)}
}

func (auth *Auth) keyfunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Header["kid"]; !ok {
		token.Header["kid"] = KeyID
	}

	return auth.jwks.Keyfunc(token)
}

// RecordID returns the id claim of the request bearer token.
func (auth *Auth) RecordID(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", ErrMissingToken
	}

	value := header
	if data := strings.SplitN(header, " ", 2); len(data) == 2 {
		if !strings.EqualFold(data[0], "Bearer") {
			return "", errors.New("invalid authorization http header")
		}
		value = strings.TrimSpace(data[1])
	}

	token, err := jwt.Parse(value, auth.keyfunc)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse the JWT")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("the token is not valid")
	}

	for _, key := range []string{"id", "sub"} {
		if id, ok := claims[key].(string); ok && id != "" {
			return id, nil
		}
	}

	return "", errors.New("the token has no record id")
}
