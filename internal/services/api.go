package services

import (
	"context"
	"net"
	"time"

	"arttic/config"
	"arttic/internal/generation"
	"arttic/internal/history"
	"arttic/internal/metadata"
	"arttic/internal/metrics"
	"arttic/internal/progress"
	"arttic/internal/promptbook"
	"arttic/internal/state"
	"arttic/internal/storage"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// Generator runs one generation against the resident pipeline.
type Generator interface {
	Generate(ctx context.Context, req generation.Request, report progress.Func) (generation.Result, error)
}

type Deps struct {
	State     *state.Manager
	Generator Generator
	Store     *storage.Store
	Prompts   *promptbook.Book
	History   *history.Store
	Codec     *metadata.Codec
	Metrics   *metrics.Metrics
	Downloads *DownloaderService
	Hub       *Hub
	// Restart asks the process to rebuild the app.
	Restart func()
}

type Api struct {
	server *fiber.App
	cfg    config.ApiConfig
	Deps

	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger
}

func NewApi(cfg config.ApiConfig, deps Deps) *Api {
	if cfg.AllowedOrigins == "" {
		cfg.AllowedOrigins = "*"
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	if deps.Restart == nil {
		deps.Restart = func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Api{
		server: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			BodyLimit:             8 << 20,
		}),
		cfg:    cfg,
		Deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With("component", "api"),
	}

	allowCredentials := cfg.AllowedOrigins != "*"
	a.server.Use(RequestLogger())
	a.server.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowCredentials: allowCredentials,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Content-Type,Authorization,Accept,Origin,X-Request-Id",
	}))
	a.addRoutes()
	return a
}

func (a *Api) Addr() string { return net.JoinHostPort(a.cfg.Host, a.cfg.Port) }

// Start blocks serving HTTP until Shutdown.
func (a *Api) Start() error {
	a.logger.Info("listening", "addr", a.Addr())
	return a.server.Listen(a.Addr())
}

// Shutdown closes sockets, then stops the listener.
func (a *Api) Shutdown(timeout time.Duration) error {
	a.cancel()
	a.Hub.Shutdown()
	return a.server.ShutdownWithTimeout(timeout)
}

func (a *Api) addRoutes() {
	a.server.Add("GET", "/health", a.Health())
	a.server.Add("GET", "/metrics", adaptor.HTTPHandler(a.Metrics.Handler()))

	api := a.server.Group("/api")
	api.Get("/status", a.GetStatus())
	api.Get("/config", a.GetConfig())
	api.Get("/gallery", a.GetGallery())
	api.Get("/prompts", a.ListPrompts())
	api.Post("/prompts", a.AddPrompt())
	api.Put("/prompts", a.UpdatePrompt())
	api.Delete("/prompts", a.DeletePrompt())
	api.Get("/image_metadata/:filename", a.ImageMetadata())
	api.Put("/image_metadata/:filename", a.TouchImageMetadata())
	api.Get("/history", a.ListHistory())
	api.Post("/downloads", a.DownloadModel())

	// websocket connection
	a.server.Use("/ws", a.WsUpgrade())
	a.server.Get("/ws", a.Notifications())

	a.server.Static("/outputs", a.Store.OutputsDir(), fiber.Static{
		Next: func(c *fiber.Ctx) bool { return !storage.IsImage(c.Path()) },
	})
	if a.cfg.StaticDir != "" {
		a.server.Static("/", a.cfg.StaticDir, fiber.Static{Index: "index.html"})
	}
}
