// Command relay runs the multi-provider chat relay: an HTTP front end over
// the streaming completion controller, backed by SQLite for history and
// memories and a mirrored TTL cache for the list views.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Load .env before anything reads the environment.
	_ "github.com/joho/godotenv/autoload"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/meridianhq/relay/cache"
	"github.com/meridianhq/relay/catalog"
	"github.com/meridianhq/relay/chat"
	"github.com/meridianhq/relay/memory"
	"github.com/meridianhq/relay/pkg/slogx"
	"github.com/meridianhq/relay/provider"
	"github.com/meridianhq/relay/resolver"
	"github.com/meridianhq/relay/server"
	"github.com/meridianhq/relay/store"
)

var log zerolog.Logger

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log = zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: logLevel()}),
	))
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("RELAY_LOG_LEVEL"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("relay exited")
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Multi-provider AI chat relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		addr      string
		dbPath    string
		cachePath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), addr, dbPath, cachePath)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOr("RELAY_ADDR", ":8484"), "listen address")
	cmd.Flags().StringVar(&dbPath, "db", envOr("RELAY_DB", "relay.db"), "sqlite database path")
	cmd.Flags().StringVar(&cachePath, "cache-db", envOr("RELAY_CACHE_DB", "relay-cache.db"), "cache mirror sqlite path")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func serve(ctx context.Context, addr, dbPath, cachePath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	mirror, err := cache.NewSQLiteMirror(cachePath)
	if err != nil {
		return err
	}
	ca := cache.New(cache.WithMirror(mirror))
	if err := ca.Open(ctx); err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer ca.Close()

	cat := catalog.Default()
	analyzer := memory.NewAnalyzer(extractionResolver(), st, slog.Default())
	controller := chat.New(
		chat.WithCatalog(cat),
		chat.WithContextSource(st),
		chat.WithMessageStore(st),
		chat.WithAnalyzer(analyzer),
	)

	srv := server.New(
		server.WithController(controller),
		server.WithCatalog(cat),
		server.WithStore(st),
		server.WithCache(ca),
	)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("db", dbPath).Msg("relay listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", slogx.Error(err))
	}

	// Let in-flight persistence and memory analysis finish.
	controller.Drain()
	return nil
}

// extractionResolver adapts the provider resolver for the analyzer, which
// always runs without reasoning or aggregator routing.
func extractionResolver() memory.ResolveFunc {
	return func(apiKey string, model catalog.Descriptor) (provider.Handle, error) {
		return resolver.Resolve(resolver.Request{APIKey: apiKey, Model: model})
	}
}
