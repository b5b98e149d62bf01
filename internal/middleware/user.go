package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/metricsplay/client/internal/models"
	"github.com/metricsplay/client/pkg/response"
)

// ContextUsername is the key for the logged-in username in gin context.
const ContextUsername = "username"

// UserSource resolves the user whose credentials the agent holds, or nil.
type UserSource interface {
	CurrentUser() *models.User
}

// RequireUser returns a middleware that rejects requests while no credentials are stored.
func RequireUser(users UserSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		u := currentUser(users)
		if u == nil {
			response.Unauthorized(c, "not logged in")
			c.Abort()
			return
		}
		c.Set(ContextUsername, u.Username)
		c.Next()
	}
}

// OptionalUser sets the username in context when credentials are stored.
func OptionalUser(users UserSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		if u := currentUser(users); u != nil {
			c.Set(ContextUsername, u.Username)
		}
		c.Next()
	}
}

func currentUser(users UserSource) *models.User {
	if users == nil {
		return nil
	}
	u := users.CurrentUser()
	if u == nil || u.Username == "" {
		return nil
	}
	return u
}
