package bootstrap

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/eleven-am/callstream/internal/call"
	"github.com/eleven-am/callstream/internal/health"
	"github.com/eleven-am/callstream/internal/protocol"
)

const version = "1.0.0"

var defaultCORSConfig = middleware.CORSConfig{
	AllowOrigins: []string{"*"},
	AllowMethods: []string{
		http.MethodGet,
		http.MethodHead,
		http.MethodPut,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
	},
	AllowHeaders: []string{
		"Accept",
		"Authorization",
		"Content-Type",
		protocol.HeaderAPIKey,
	},
	MaxAge: 86400,
}

func NewEchoServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(defaultCORSConfig))
	return e
}

func ProvideHealthHandler(db *gorm.DB, redisClient *redis.Client, manager *call.Manager) *health.Handler {
	return health.NewHandler(db, redisClient, manager, version)
}

func ProvideCallHandler(manager *call.Manager, store *call.Store, log *slog.Logger) *call.Handler {
	return call.NewHandler(manager, store, log)
}

func metricsMiddleware(h *health.Handler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h.IncrementRequests()
			h.IncrementConnections()
			defer h.DecrementConnections()
			return next(c)
		}
	}
}

func RegisterRoutes(e *echo.Echo, ph *protocol.Handler, ch *call.Handler, hh *health.Handler) {
	e.Use(metricsMiddleware(hh))
	hh.RegisterRoutes(e)
	ph.Register(e)
	ch.RegisterRoutes(e.Group("/api/v1"))
}

func StartServer(lc fx.Lifecycle, e *echo.Echo, cfg *Config, manager *call.Manager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := e.Start(cfg.ServerAddr); err != nil && err != http.ErrServerClosed {
					e.Logger.Fatal(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			manager.Shutdown(ctx)
			return e.Shutdown(ctx)
		},
	})
}

var ServerModule = fx.Options(
	fx.Provide(
		NewEchoServer,
		ProvideHealthHandler,
		ProvideCallHandler,
	),
	fx.Invoke(RegisterRoutes, StartServer),
)

func Run() {
	fx.New(
		fx.Provide(LoadConfig),
		InfrastructureModule,
		PipelineModule,
		ServerModule,
	).Run()
}
