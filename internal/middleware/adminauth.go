package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AdminAuth guards a route group with HTTP basic auth. passwordHash is a
// bcrypt hash.
func AdminAuth(username, passwordHash string) gin.HandlerFunc {
	hash := []byte(passwordHash)
	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok {
			unauthorizedAdmin(c)
			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		// Always run bcrypt so a wrong username costs the same as a wrong password.
		passOK := bcrypt.CompareHashAndPassword(hash, []byte(pass)) == nil
		if !userOK || !passOK {
			unauthorizedAdmin(c)
			return
		}

		c.Set("admin_user", user)
		c.Next()
	}
}

func unauthorizedAdmin(c *gin.Context) {
	c.Header("WWW-Authenticate", `Basic realm="gateway admin"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": "Unauthorized",
	})
}
