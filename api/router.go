package api

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"packager/logging"
)

func NewRouter(h *Handler, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), AccessLog(logging.WithComponent(logger, "http")), CORS())

	r.GET("/ping", h.Ping)
	r.POST("/upload", h.Upload)
	r.GET("/videos", h.List)
	r.GET("/videos/:id/status", h.Status)
	r.DELETE("/videos/:id", h.Delete)

	return r
}
