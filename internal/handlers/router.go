package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/callagent/internal/call"
	"github.com/mossy-p/callagent/internal/history"
	"github.com/mossy-p/callagent/internal/identity"
	"github.com/mossy-p/callagent/internal/middleware"
	"github.com/mossy-p/callagent/internal/models"
)

// CallMachine is the part of the session machine the HTTP bridge drives
type CallMachine interface {
	StartCall(ctx context.Context, receiver models.Party, video bool) error
	AnswerCall(ctx context.Context) error
	DeclineCall(ctx context.Context) error
	HangUp(ctx context.Context, cleanupOnly bool) error
	DismissError(ctx context.Context) error
	State() call.State
	Subscribe() (<-chan call.State, func())
}

// HistoryReader lists finished calls
type HistoryReader interface {
	Recent(ctx context.Context, selfID string, limit int) ([]history.CallLog, error)
}

// RouterOptions wires the HTTP bridge. History is optional.
type RouterOptions struct {
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Users          *identity.Provider
	Machine        CallMachine
	History        HistoryReader
}

// NewRouter builds the agent's HTTP and WebSocket surface
func NewRouter(opts RouterOptions) *gin.Engine {
	if opts.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(opts.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(opts.JWTSecret, opts.Users)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(opts.JWTSecret, opts.Users))
		apiGroup.POST("/auth/logout", auth, Logout(opts.Machine, opts.Users))

		callGroup := apiGroup.Group("/call", auth)
		{
			callGroup.GET("", GetCall(opts.Machine))
			callGroup.POST("", StartCall(opts.Machine))
			callGroup.POST("/answer", AnswerCall(opts.Machine))
			callGroup.POST("/decline", DeclineCall(opts.Machine))
			callGroup.POST("/hangup", HangUp(opts.Machine))
			callGroup.POST("/dismiss", DismissError(opts.Machine))
		}

		if opts.History != nil {
			apiGroup.GET("/history", auth, ListHistory(opts.History))
		}
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/call", auth, StreamCall(opts.Machine))
	}

	return router
}
