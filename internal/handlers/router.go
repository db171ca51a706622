package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/telehealth-signaling/internal/middleware"
)

// Router builds the gin engine with every route of the service.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(h.log), CORS(h.allowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(h.jwtSecret)

	api := router.Group("/api")
	{
		api.POST("/auth/login", h.Login)

		api.POST("/rooms", auth, h.CreateRoom)
		api.GET("/rooms/:roomId", h.GetRoom)
		api.GET("/rooms/:roomId/role", auth, h.GetRole)
		api.DELETE("/rooms/:roomId", auth, h.DeleteRoom)
	}

	ws := router.Group("/ws")
	{
		ws.GET("/signal", h.HandleSignaling)
		ws.GET("/signal/:roomId", h.HandleSignaling)
	}

	return router
}
