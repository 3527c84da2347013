package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medscribe-io/medscribe/internal/api/handlers"
	"github.com/medscribe-io/medscribe/internal/api/middleware"
	"github.com/medscribe-io/medscribe/internal/services"
)

type Deps struct {
	Transcription *handlers.TranscriptionHandler
	WS            *handlers.WSHandler
	Service       services.ConsultationService
	Registry      *prometheus.Registry
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"active_sessions": d.Service.ActiveSessions(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})))

	// Protected routes (JWT)
	auth := r.Group("/")
	auth.Use(middleware.JWTAuth())

	auth.GET("/transcriptions/:session_id", d.Transcription.GetBySessionID)

	// WebSocket
	auth.GET("/ws/dictation", d.WS.DictationWS)
}
