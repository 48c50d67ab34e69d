package mteam

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	auth "kyri56xcaesar/eventteams/internal/authmw"
	"kyri56xcaesar/eventteams/internal/capacity"
	"kyri56xcaesar/eventteams/internal/logger"
	"kyri56xcaesar/eventteams/internal/membership"
	"kyri56xcaesar/eventteams/internal/store/memstore"
	"kyri56xcaesar/eventteams/internal/store/pgstore"
	"kyri56xcaesar/eventteams/internal/store/sqlitestore"
	"kyri56xcaesar/eventteams/internal/tracing"
	"kyri56xcaesar/eventteams/internal/utils"
)

const serviceName = "teamsvc"

// Routes mounts the team API. authn runs in front of every /teams route.
func (s *Service) Routes(root gin.IRouter, authn ...gin.HandlerFunc) {
	root.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})

	teams := root.Group("/teams")
	teams.Use(authn...)
	{
		teams.POST("", s.createHandler)
		teams.GET("/my-teams", s.handleMyTeams)
		teams.GET("/my-invites", s.handleMyInvites)
		teams.GET("/event/:eventid", s.eventTeamsHandler)

		teams.GET("/:teamid", s.getHandler)
		teams.PATCH("/:teamid", s.renameHandler)
		teams.DELETE("/:teamid", s.deleteHandler)
		teams.POST("/:teamid/invite", s.inviteHandler)
		teams.DELETE("/:teamid/invite/:username", s.revokeHandler)
		teams.POST("/:teamid/join", s.joinHandler)
		teams.POST("/:teamid/decline", s.declineHandler)
		teams.POST("/:teamid/leave", s.leaveHandler)
	}
}

func setCors(engine *gin.Engine, config Config) {
	corsconfig := cors.DefaultConfig()
	if utils.Contains(config.AllowedOrigins, "*") {
		corsconfig.AllowAllOrigins = true
	} else {
		corsconfig.AllowOrigins = config.AllowedOrigins
	}
	corsconfig.AllowMethods = config.AllowedMethods
	corsconfig.AllowHeaders = config.AllowedHeaders
	engine.Use(cors.New(corsconfig))
}

// requestLogger tags every request with an id and logs its outcome.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logger.ContextWithRequestID(c.Request.Context(), requestID))

		c.Next()

		l := log.WithContext(c.Request.Context())
		if user, ok := mustUsername(c); ok {
			l = l.WithUser(user)
		}
		l.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func newRouter(config Config, svc *Service, log *logger.Logger, authn ...gin.HandlerFunc) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log), tracing.Middleware(serviceName))
	setCors(engine, config)
	svc.Routes(engine, authn...)
	return engine
}

// components are the collaborators built from configuration.
type components struct {
	repo      membership.Repository
	oracle    membership.Oracle
	directory membership.UserDirectory
	authn     []gin.HandlerFunc

	closers []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func openStore(ctx context.Context, config Config, comp *components) error {
	switch strings.ToLower(config.StoreDriver) {
	case "postgres":
		pool, err := pgstore.Connect(ctx, config.postgresDSN(config.DBName))
		if err != nil {
			return err
		}
		comp.closers = append(comp.closers, pool.Close)
		store := pgstore.New(pool)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		comp.repo = store
	case "sqlite":
		store, err := sqlitestore.Open(config.SQLitePath)
		if err != nil {
			return err
		}
		comp.closers = append(comp.closers, func() { _ = store.Close() })
		comp.repo = store
	default:
		comp.repo = memstore.New()
	}
	return nil
}

func openOracle(ctx context.Context, config Config, comp *components) error {
	switch strings.ToLower(config.OracleDriver) {
	case "postgres":
		// a pool of its own: lookups run while a unit of work holds a store connection
		pool, err := pgstore.Connect(ctx, config.postgresDSN(config.EventDBName))
		if err != nil {
			return fmt.Errorf("event database: %w", err)
		}
		comp.closers = append(comp.closers, pool.Close)
		comp.oracle = &capacity.Postgres{Pool: pool}
	case "http":
		comp.oracle = capacity.NewHTTP(config.EventServiceAddress, auth.AccessToken)
	default:
		static, err := capacity.ParseStatic(config.StaticEvents)
		if err != nil {
			return err
		}
		comp.oracle = static
	}
	return nil
}

func openAuth(config Config, comp *components) error {
	var (
		a   *auth.TokenAuth
		err error
	)
	switch strings.ToLower(config.AuthMode) {
	case "secret":
		a, err = auth.NewSecretAuth(config.JWTSecret, config.issuer(), config.Audience)
	default:
		a, err = auth.NewKeycloakAuth(auth.JWKSURL(config.AuthAddress, config.Realm), config.issuer(), config.Audience, config.ClientID)
	}
	if err != nil {
		return fmt.Errorf("failed to instantiate the authenticator middleware: %w", err)
	}
	comp.closers = append(comp.closers, a.Close)

	comp.authn = []gin.HandlerFunc{a.RequireRoles(config.RequiredRoles...)}
	if config.RequireVerifiedEmail {
		comp.authn = append(comp.authn, auth.RequireEmailVerified())
	}

	switch strings.ToLower(config.UserDirectory) {
	case "keycloak":
		kc, err := auth.NewService(config.AuthAddress, config.Realm, config.ClientID, config.ClientSecret)
		if err != nil {
			return err
		}
		comp.directory = kc
	default:
		comp.directory = auth.AllowAll{}
	}
	return nil
}

func build(ctx context.Context, config Config) (*components, error) {
	comp := &components{}
	for _, open := range []func(context.Context, Config, *components) error{
		openStore,
		openOracle,
		func(_ context.Context, config Config, comp *components) error { return openAuth(config, comp) },
	} {
		if err := open(ctx, config, comp); err != nil {
			comp.close()
			return nil, err
		}
	}
	return comp, nil
}

func InitAndServe(confPath string) error {
	config, err := loadConfig(confPath)
	if err != nil {
		return err
	}

	log := logger.New(serviceName, config.LogEnv)
	defer func() { _ = log.Sync() }()
	log.Info(config.toString())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, serviceName, config.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}

	comp, err := build(ctx, config)
	if err != nil {
		return err
	}
	defer comp.close()

	engine := membership.NewEngine(comp.repo, comp.oracle, comp.directory, log)
	svc := NewService(engine, NewQuery(comp.repo, comp.oracle, log), log)

	setGinMode(config.ApiGinMode)
	router := newRouter(config, svc, log, comp.authn...)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", config.Port),
		Handler:           router,
		ReadHeaderTimeout: time.Second * 5,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", server.Addr, "store", config.StoreDriver, "oracle", config.OracleDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	stop()
	log.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", "error", err)
	}

	log.Info("server exiting")
	return nil
}

// Migrate applies the schema of the configured store and exits.
func Migrate(confPath string) error {
	config, err := loadConfig(confPath)
	if err != nil {
		return err
	}
	log := logger.New(serviceName, config.LogEnv)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	comp := &components{}
	defer comp.close()
	if err := openStore(ctx, config, comp); err != nil {
		return err
	}
	log.Info("schema applied", "store", config.StoreDriver)
	return nil
}

func setGinMode(mode string) {
	switch strings.ToLower(mode) {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "envgin":
		gin.SetMode(gin.EnvGinMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
}
