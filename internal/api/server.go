// Package api serves the dashboard backend: login, bot info, per-user
// announcement settings and admin config editing.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/keshon/chiwawa/internal/authcode"
	"github.com/keshon/chiwawa/internal/config"
	"github.com/keshon/chiwawa/internal/logger"
	"github.com/keshon/chiwawa/internal/storage"
)

const (
	sessionName   = "chiwawa"
	sessionMaxAge = 7 * 24 * time.Hour
	keyUserID     = "userId"
	keyUserToken  = "userToken"
)

// Backend is what the API needs from the running application.
type Backend interface {
	Config() *config.Config
	JoinedGuildIDs() []string
	TTSToken(ctx context.Context) string
	// Store may return nil when no preference store is configured.
	Store() storage.Store
	// AuthCodes may return nil when mention login is off.
	AuthCodes() *authcode.Store
	UpdateConfig(next *config.Config) error
	Restart()
}

type Options struct {
	Gatherer prometheus.Gatherer
	// DiscordURL overrides https://discord.com for tests.
	DiscordURL string
}

type Server struct {
	backend Backend
	oauth   *discordOAuth // nil without OAuth2 credentials
	engine  *gin.Engine
	log     zerolog.Logger
}

func New(backend Backend, opts Options) *Server {
	cfg := backend.Config()
	s := &Server{backend: backend, log: logger.Component("api")}
	if cfg.API.OAuth2.Enabled() {
		s.oauth = newDiscordOAuth(cfg.API, opts.DiscordURL)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	store := cookie.NewStore([]byte(cfg.API.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions(sessionName, store))

	r.GET("/login", s.getLogin)
	r.POST("/login", s.postLogin)
	r.DELETE("/login", s.deleteLogin)
	r.OPTIONS("/login", allow("GET, POST, DELETE"))

	r.GET("/info", s.getInfo)
	r.OPTIONS("/info", allow("GET"))

	users := r.Group("/users")
	users.GET("/@me", s.getMe)
	users.POST("/@me", s.postMe)
	users.DELETE("/@me", s.deleteMe)
	users.OPTIONS("/@me", allow("GET, POST, DELETE"))
	users.GET("/:id", s.getUser)
	users.OPTIONS("/:id", allow("GET"))

	app := r.Group("/app")
	app.GET("", s.getApp)
	app.POST("", s.postApp)
	app.OPTIONS("", allow("GET, POST"))
	app.POST("/restart", s.postRestart)
	app.OPTIONS("/restart", allow("POST"))

	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("api listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func allow(methods string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Allow", methods)
		c.Status(http.StatusOK)
	}
}

// userID returns the logged-in user, or "" after answering 401.
func userID(c *gin.Context) string {
	id, _ := sessions.Default(c).Get(keyUserID).(string)
	if strings.TrimSpace(id) == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return ""
	}
	return id
}
