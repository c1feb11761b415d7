package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/adapters/docstore"
	"github.com/dkeye/Proctor/internal/adapters/signal"
	"github.com/dkeye/Proctor/internal/app/monitor"
	"github.com/dkeye/Proctor/internal/app/sfu"
	"github.com/dkeye/Proctor/internal/config"
	"github.com/dkeye/Proctor/internal/domain"
)

const clientTokenKey = "client_token"

// ViewerServer answers an admin viewer's offer for a candidate's stream.
type ViewerServer interface {
	ServeViewer(ctx context.Context, stream *sfu.RemoteStream, offer domain.SessionDescription) (domain.SessionDescription, error)
}

type Deps struct {
	Store   *docstore.Store
	Hub     *signal.Hub
	Monitor *monitor.Registry
	Viewers ViewerServer
}

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable token, kept in the
// cookie session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ProctorSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	if deps.Store != nil {
		h := &storeHandlers{store: deps.Store, maxWait: cfg.Signal.LongPollWait}
		calls := api.Group("/calls/:key")
		calls.GET("", h.getRecord)
		calls.PATCH("", h.patchRecord)
		calls.GET("/:topic", h.getItems)
		calls.POST("/:topic", h.appendItem)
		calls.DELETE("/:topic", h.purgeTopic)

		api.GET("/roster", h.roster)
		api.PUT("/roster/:id", h.upsertCandidate)
		api.POST("/roster/:id/submitted", h.markSubmitted)

		api.GET("/candidates/:id/violations", h.violations)
		api.PUT("/candidates/:id/violations", h.recordViolation)
		api.POST("/candidates/:id/reject", h.reject)
	}

	if deps.Monitor != nil {
		m := &monitorHandlers{registry: deps.Monitor, viewers: deps.Viewers}
		mon := api.Group("/monitor")
		mon.GET("/streams", m.streams)
		mon.POST("/refresh", m.refreshAll)
		mon.GET("/auto-refresh", m.getAutoRefresh)
		mon.PUT("/auto-refresh", m.setAutoRefresh)
		mon.POST("/streams/:id/refresh", m.refreshOne)
		mon.POST("/streams/:id/view", m.view)
	}

	if deps.Hub != nil {
		api.GET("/ws/signal", func(c *gin.Context) {
			token := c.GetString(clientTokenKey)
			log.Info().Str("module", "adapters.http").Str("sid", token).Msg("ws signal endpoint hit")
			deps.Hub.Serve(ctx, c.Writer, c.Request, token+"/"+uuid.NewString())
		})
	}

	return r
}

func candidateParam(c *gin.Context) (domain.CandidateID, bool) {
	id, err := domain.ParseCandidateID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return id, true
}

func fail(c *gin.Context, status int, err error) {
	log.Warn().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Int("status", status).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}
