package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/callagent/internal/identity"
	"github.com/mossy-p/callagent/internal/middleware"
	"github.com/mossy-p/callagent/internal/models"
)

// Login signs a user in to this agent and issues a session token.
// Signing in again as the same user refreshes the profile; a different user
// has to log out first.
func Login(jwtSecret string, users *identity.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		if current, ok := users.Current(); ok && current.ID != req.UserID {
			c.JSON(http.StatusConflict, gin.H{
				"error": "Another user is signed in",
			})
			return
		}

		user := identity.User{ID: req.UserID, DisplayName: req.DisplayName, AvatarURL: req.AvatarURL}
		tokenString, err := middleware.IssueToken(jwtSecret, user)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}
		users.Set(user)
		log.Info().Str("user_id", user.ID).Msg("user signed in")

		c.JSON(http.StatusOK, models.LoginResponse{
			Token:  tokenString,
			UserID: user.ID,
		})
	}
}

// Logout ends any active call and signs the user out
func Logout(machine CallMachine, users *identity.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := machine.HangUp(c.Request.Context(), false); err != nil {
			log.Warn().Err(err).Msg("hang up on logout")
		}
		users.Clear()
		log.Info().Str("user_id", c.GetString(middleware.UserIDKey)).Msg("user signed out")
		c.JSON(http.StatusOK, gin.H{"status": "signed out"})
	}
}
