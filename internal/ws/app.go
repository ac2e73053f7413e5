package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-chi/chi/v5"
	"github.com/isqad/melody"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livemeet-sfu/internal/core"
	"github.com/isqad/livemeet-sfu/internal/eventbus"
	"github.com/isqad/livemeet-sfu/internal/eventbus/rpc"
	"github.com/isqad/livemeet-sfu/internal/rtc"
	"github.com/isqad/livemeet-sfu/internal/transcode"
)

// AppOptions is options of the application
type AppOptions struct {
	Env     core.Environment
	Address string

	Room       *rtc.Room
	Bridge     *transcode.Bridge
	Publisher  eventbus.Publisher
	Subscriber eventbus.Subscriber

	websocket *melody.Melody
}

// App is the signaling gateway: one websocket session per peer, plus the
// service endpoints.
type App struct {
	AppOptions

	commands map[rpc.Method]commandHandler

	shutdown chan struct{}
	stopOnce sync.Once
}

func New(options AppOptions) *App {
	options.websocket = melody.New()
	options.websocket.Config.MaxMessageSize = 200 * 1024 // 200K

	app := &App{
		AppOptions: options,
		shutdown:   make(chan struct{}),
	}
	app.commands = app.commandTable()

	return app
}

func (app *App) Start() error {
	quit := make(chan os.Signal, 1)
	done := make(chan struct{}, 1)

	app.initLogger()
	router := app.initRouter()

	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              app.Address,
		Handler:           router,
		ReadHeaderTimeout: 1 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	server.RegisterOnShutdown(func() {
		log.Info().Msg("signaling gateway is stopped")
		close(done)
	})

	// Shutdown the HTTP server
	go func() {
		select {
		case <-quit:
		case <-app.shutdown:
		}
		log.Warn().Msg("the server is going shutting down")

		if err := app.websocket.Close(); err != nil {
			log.Error().Err(err).Msg("can't close websocket sessions")
		}

		// Wait 20 seconds for close http connections
		waitIdleConnCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		server.SetKeepAlivesEnabled(false)
		if err := server.Shutdown(waitIdleConnCtx); err != nil {
			log.Fatal().Err(err).Msg("can't gracefully shutdown the server")
		}
	}()

	err := server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}

	<-done
	log.Info().Msg("server stopped")

	return nil
}

// Stop drains the gateway without an operating system signal. Used on fatal
// engine failure.
func (app *App) Stop() {
	app.stopOnce.Do(func() {
		close(app.shutdown)
	})
}

func (app *App) initLogger() {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel

	if app.Env.IsDevelopment() {
		level = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(level)
}

// initRouter is function for construct http router
func (app *App) initRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	app.websocket.HandleConnect(app.connectHandler())
	app.websocket.HandleDisconnect(app.disconnectHandler())
	app.websocket.HandleMessage(app.messageHandler())
	app.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "ws").Msg("error in websocket session")
	})

	r.Get("/ws", app.wsHandler())
	r.Get("/healthz", app.healthzHandler())
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (app *App) healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Peers  int             `json:"peers"`
			Bridge transcode.State `json:"bridge"`
		}{
			Peers:  app.Room.Registry.Len(),
			Bridge: app.Bridge.State(),
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(health); err != nil {
			log.Error().Err(err).Str("service", "ws").Msg("can't write health response")
		}
	}
}
