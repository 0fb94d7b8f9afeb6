package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	_ "github.com/memodb-io/pokersync/docs"
	"github.com/memodb-io/pokersync/internal/config"
	"github.com/memodb-io/pokersync/internal/middleware"
	"github.com/memodb-io/pokersync/internal/modules/handler"
	"github.com/memodb-io/pokersync/internal/modules/serializer"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type RouterDeps struct {
	Config          *config.Config
	Log             *zap.Logger
	SessionHandler  *handler.SessionHandler
	IdentityHandler *handler.IdentityHandler
	WatchHandler    *handler.WatchHandler
}

func NewRouter(d RouterDeps) *gin.Engine {
	serializer.SetLogger(d.Log)
	if err := middleware.RegisterValidators(); err != nil {
		d.Log.Error("register validators", zap.Error(err))
	}

	r := gin.New()
	r.Use(gin.Recovery())

	if d.Config.Telemetry.Enabled && d.Config.Telemetry.OtlpEndpoint != "" {
		r.Use(middleware.OtelTracing(d.Config.App.Name))
		r.Use(middleware.TraceID())
	}

	r.Use(middleware.ZapLogger(d.Log))

	// health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, serializer.Response{Msg: "ok"}) })

	// swagger
	r.GET("/swagger", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := r.Group("/api/v1")
	{
		v1.Use(middleware.ClientIdentity())

		v1.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, serializer.Response{Msg: "pong"}) })

		v1.GET("/identity", d.IdentityHandler.GetIdentity)

		session := v1.Group("/session")
		{
			session.POST("", d.SessionHandler.CreateSession)
			session.GET("/:session_id", d.SessionHandler.GetSession)
			session.POST("/:session_id/join", d.SessionHandler.JoinSession)
			session.GET("/:session_id/watch", d.WatchHandler.Watch)

			participants := session.Group("/:session_id/participants")
			{
				participants.GET("", d.SessionHandler.ListParticipants)
				participants.PATCH("/:participant_id", d.SessionHandler.RenameParticipant)
				participants.DELETE("/:participant_id", d.SessionHandler.LeaveSession)
			}
		}
	}
	return r
}
