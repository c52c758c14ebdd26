package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/callagent/internal/call"
	"github.com/mossy-p/callagent/internal/middleware"
	"github.com/mossy-p/callagent/internal/models"
)

// GetCall returns the current call snapshot
func GetCall(machine CallMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, machine.State())
	}
}

// StartCall places a call to the requested receiver
func StartCall(machine CallMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.StartCallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
		if req.ReceiverID == c.GetString(middleware.UserIDKey) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Cannot call yourself",
			})
			return
		}

		receiver := models.Party{
			ID:          req.ReceiverID,
			DisplayName: req.ReceiverDisplayName,
			AvatarURL:   req.ReceiverAvatarURL,
		}
		respond(c, machine, func(ctx context.Context) error {
			return machine.StartCall(ctx, receiver, req.Video)
		})
	}
}

// AnswerCall accepts the ringing incoming call
func AnswerCall(machine CallMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		respond(c, machine, machine.AnswerCall)
	}
}

// DeclineCall rejects the ringing incoming call
func DeclineCall(machine CallMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		respond(c, machine, machine.DeclineCall)
	}
}

// HangUp ends the active call
func HangUp(machine CallMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		respond(c, machine, func(ctx context.Context) error {
			return machine.HangUp(ctx, false)
		})
	}
}

// DismissError clears the displayed call error
func DismissError(machine CallMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		respond(c, machine, machine.DismissError)
	}
}

// ListHistory lists the signed-in user's finished calls
func ListHistory(store HistoryReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "limit must be a positive number",
				})
				return
			}
			limit = n
		}

		logs, err := store.Recent(c.Request.Context(), c.GetString(middleware.UserIDKey), limit)
		if err != nil {
			log.Error().Err(err).Msg("list call history")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to load call history",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"calls": logs})
	}
}

// respond runs an intent and answers with the resulting snapshot
func respond(c *gin.Context, machine CallMachine, intent func(context.Context) error) {
	if err := intent(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), gin.H{
			"error": err.Error(),
			"state": machine.State(),
		})
		return
	}
	c.JSON(http.StatusOK, machine.State())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrCallInProgress), errors.Is(err, call.ErrNoIncomingCall):
		return http.StatusConflict
	case errors.Is(err, call.ErrNoIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, call.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, call.ErrSignalingWrite), errors.Is(err, call.ErrAnswer):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
