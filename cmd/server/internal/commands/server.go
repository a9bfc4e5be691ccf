package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tokengate/internal/api"
	"github.com/wolfeidau/tokengate/internal/conn"
	"github.com/wolfeidau/tokengate/internal/dispatch"
	"github.com/wolfeidau/tokengate/internal/handlers"
	httpmiddleware "github.com/wolfeidau/tokengate/internal/http"
	"github.com/wolfeidau/tokengate/internal/logger"
	"github.com/wolfeidau/tokengate/internal/password"
	"github.com/wolfeidau/tokengate/internal/telemetry"
	"github.com/wolfeidau/tokengate/internal/ws"
)

type ServeCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"TOKENGATE_LISTEN"`
	Cert   string `help:"path to TLS cert file" default:"" env:"TOKENGATE_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"TOKENGATE_TLS_KEY"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"http://localhost:5173" env:"TOKENGATE_CORS_ORIGINS"`

	TrustProxyHeaders bool `help:"take client addresses from X-Forwarded-For/X-Real-IP" default:"false" env:"TOKENGATE_TRUST_PROXY_HEADERS"`

	Tracing           bool    `help:"enable tracing" default:"false" env:"TOKENGATE_TRACING"`
	TracingSampleRate float64 `help:"fraction of traces sampled when tracing is enabled" default:"1" env:"TOKENGATE_TRACING_SAMPLE_RATE"`

	Token TokenFlags `embed:"" prefix:"token-"`
	Cache CacheFlags `embed:"" prefix:"cache-"`
	Store StoreFlags `embed:""`
	WS    WSFlags    `embed:"" prefix:"ws-"`
}

// WSFlags configures the websocket endpoint.
type WSFlags struct {
	ReadLimit      int64         `help:"maximum inbound message size in bytes" default:"65536" env:"TOKENGATE_WS_READ_LIMIT"`
	WriteTimeout   time.Duration `help:"timeout for a single outbound message" default:"10s" env:"TOKENGATE_WS_WRITE_TIMEOUT"`
	OriginPatterns []string      `help:"extra origin patterns allowed to open websockets" env:"TOKENGATE_WS_ORIGIN_PATTERNS"`
}

func (c *ServeCmd) Run(globals *Globals) error {
	l := logger.Setup(globals.Debug)
	log.Logger = l

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	// Setup telemetry if enabled
	if c.Tracing {
		l.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "tokengate-server",
			Version:     globals.Version,
			SampleRatio: c.TracingSampleRate,
		})
		if err != nil {
			l.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				l.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	if err := c.Token.Validate(); err != nil {
		return err
	}
	if (c.Cert == "") != (c.Key == "") {
		return errors.New("TLS needs both --cert and --key")
	}

	principals, closeStore, err := c.Store.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	versionCache, closeCache, err := c.Cache.open(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	tokens, err := c.Token.newService(principals, versionCache, c.Cache.TTL)
	if err != nil {
		return err
	}

	hasher, err := password.NewHasher(password.DefaultConfig())
	if err != nil {
		return err
	}

	gate := conn.NewGate(tokens, conn.NewRegistry())

	router, err := handlers.NewRoutes(gate, tokens).Register(dispatch.NewBuilder(gate)).Build()
	if err != nil {
		return fmt.Errorf("failed to build websocket routes: %w", err)
	}
	l.Info().Strs("routes", router.Routes()).Msg("Websocket routes registered")

	apiHandler := api.NewUserAPI(principals, tokens, hasher).Handler()

	mux := http.NewServeMux()
	mux.Handle("/api/", withCORS(c.CORSOrigins, apiHandler))
	mux.Handle("/healthz", apiHandler)
	mux.Handle("/ws", ws.NewHandler(gate, router, ws.Config{
		ReadLimit:      c.WS.ReadLimit,
		WriteTimeout:   c.WS.WriteTimeout,
		OriginPatterns: c.WS.OriginPatterns,
	}))

	handler := httpmiddleware.ClientIPMiddleware(c.TrustProxyHeaders)(logger.NewHTTPRequests(l).Wrap(mux))
	srv := configureHTTPServer(c.Listen, handler)

	errCh := make(chan error, 1)
	go func() {
		l.Info().Str("addr", c.Listen).Bool("tls", c.Cert != "").Msg("Starting HTTP server")
		if c.Cert != "" {
			errCh <- srv.ListenAndServeTLS(c.Cert, c.Key)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	l.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// hijacked websocket connections are not tracked by the server
	var wg sync.WaitGroup
	for _, cn := range gate.Registry().Snapshot() {
		wg.Go(func() {
			gate.Disconnect(shutdownCtx, cn, "server shutting down")
		})
	}
	wg.Wait()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}

// withCORS adds CORS support to the JSON API.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         3600,
	})
	return middleware.Handler(h)
}
