package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/geofmureithi/broker/internal/store"
	"github.com/geofmureithi/broker/pkg/auth"
	"github.com/geofmureithi/broker/pkg/models"
)

// AuthMiddleware rejects requests without a verifiable credential. A
// missing header is a 400, anything malformed or unverifiable a bare 401.
// On success the token subject is stored on the request context.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}

		subject, ok := verifyAuthorization(header)
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		c.Set("subject", subject)
		c.Next()
	}
}

// verifyAuthorization checks a Bearer token's signature and expiry, or a
// Basic credential against the stored password hash. Either path yields
// the user uuid as subject. The result never says which part failed.
func verifyAuthorization(header string) (string, bool) {
	scheme, credential, found := strings.Cut(header, " ")
	if !found {
		return "", false
	}

	switch scheme {
	case "Bearer":
		claims, err := auth.ValidateToken(credential, []byte(cfg.Secret))
		if err != nil {
			return "", false
		}
		return claims.Subject, true

	case "Basic":
		decoded, err := base64.StdEncoding.DecodeString(credential)
		if err != nil {
			return "", false
		}
		// Split once: passwords may contain colons.
		username, password, found := strings.Cut(string(decoded), ":")
		if !found {
			return "", false
		}
		user, err := findUserByUsername(username)
		if err != nil || user == nil {
			return "", false
		}
		if !auth.CheckPassword(password, user.Password) {
			return "", false
		}
		return user.ID.String(), true
	}

	return "", false
}

// loadUser fetches the user record for a subject id, nil when absent
func loadUser(id string) (*models.User, error) {
	raw, err := db.Get(store.UserKey(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var user models.User
	if err := json.Unmarshal(raw, &user); err != nil {
		logger.WithError(err).WithField("user_id", id).Error("Undecodable user record")
		return nil, nil
	}
	return &user, nil
}

var errFound = errors.New("found")

// findUserByUsername scans the user namespace for a matching username.
// Undecodable records are logged and skipped.
func findUserByUsername(username string) (*models.User, error) {
	var match *models.User
	err := db.Iter(store.UserPrefix, func(key string, value []byte) error {
		var user models.User
		if err := json.Unmarshal(value, &user); err != nil {
			logger.WithError(err).WithField("key", key).Error("Skipping undecodable user record")
			return nil
		}
		if user.Username == username {
			match = &user
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		return nil, err
	}
	return match, nil
}
