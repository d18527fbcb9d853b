// Command debuginfod serves the debuginfod HTTP protocol for a Nix
// installation, translating build-id lookups into substituter and local
// Nix store queries.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"github.com/nix-community/debuginfod/internal/orchestrator"
	"github.com/nix-community/debuginfod/pkg/cache"
	"github.com/nix-community/debuginfod/pkg/debuginfod"
	"github.com/nix-community/debuginfod/pkg/store"
	"github.com/nix-community/debuginfod/pkg/substituter"
)

//nolint:gochecknoglobals
var cli struct {
	ListenAddress string        `help:"HTTP listen address." default:"127.0.0.1:1949"`
	Substituter   []string      `help:"Substituter URL, repeatable (local:, file://, http(s)://). Tried in order." placeholder:"URL"`
	Expiration    humanDuration `help:"Cache entry TTL, e.g. \"6h\" or \"1 day\"." default:"1 day"`
	CacheDir      string        `help:"Cache directory; defaults to the platform cache location." placeholder:"PATH"`
	DaemonSocket  string        `help:"Nix daemon socket path, used by the local: substituter." default:"${daemon_socket}"`

	LogLevel string `help:"Log level (trace, debug, info, warn, error)." default:"info" env:"DEBUGINFOD_LOG_LEVEL"`
}

func main() {
	os.Exit(run())
}

func run() int {
	kong.Parse(&cli,
		kong.Description("A debuginfod server for Nix."),
		kong.Vars{"daemon_socket": store.DefaultDaemonSocket},
	)

	log, err := buildLogger(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "debuginfod: invalid log level:", err)

		return 1
	}

	cacheDir := cli.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(xdg.CacheHome, "debuginfod")
	}

	backends, err := buildBackends(cli.Substituter, cli.DaemonSocket)
	if err != nil {
		log.Error().Err(err).Msg("configuring substituters")

		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	diskCache, err := cache.Open(ctx, cacheDir, log)
	if err != nil {
		log.Error().Err(err).Str("cache_dir", cacheDir).Msg("opening cache")

		return 1
	}
	defer diskCache.Close()

	orch := orchestrator.New(orchestrator.Config{
		Backends: backends,
		Cache:    diskCache,
		Logger:   log,
	})

	expiration := time.Duration(cli.Expiration)
	sweepInterval := expiration / 4
	if sweepInterval < time.Minute {
		sweepInterval = time.Minute
	}

	go diskCache.Run(ctx, sweepInterval, expiration, orch.InFlight)

	srv := &http.Server{
		Addr:    cli.ListenAddress,
		Handler: debuginfod.NewRouter(orch, log),
	}

	errCh := make(chan error, 1)

	go func() {
		log.Info().Str("address", cli.ListenAddress).Msg("listening")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err

			return
		}

		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error during shutdown")

			return 2
		}

		return 0
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server error")

			return 2
		}

		return 0
	}
}

func buildLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, err
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger(), nil
}

// buildBackends parses --substituter values into substituter.Backend
// instances, preserving order for the "first hit wins" aggregation
// contract.
func buildBackends(urls []string, daemonSocket string) (substituter.List, error) {
	var list substituter.List

	for _, u := range urls {
		switch {
		case u == "local:":
			indexDir := filepath.Join(xdg.CacheHome, "debuginfod", "local-index")

			local, err := substituter.NewLocal(daemonSocket, indexDir)
			if err != nil {
				return nil, fmt.Errorf("configuring local: substituter: %w", err)
			}

			list = append(list, local)
		case strings.HasPrefix(u, "file://"):
			list = append(list, substituter.NewFile(strings.TrimPrefix(u, "file://")))
		case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
			list = append(list, substituter.NewHTTP(u, nil, 3))
		default:
			return nil, fmt.Errorf("unrecognized substituter url %q", u)
		}
	}

	if len(list) == 0 {
		return nil, fmt.Errorf("at least one --substituter is required")
	}

	return list, nil
}

// humanDuration extends time.ParseDuration with the day/week units the
// spec's examples use but the standard library does not accept.
type humanDuration time.Duration

func (h *humanDuration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))

	fields := strings.Fields(s)
	if len(fields) == 2 {
		n, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}

		var unit time.Duration

		switch strings.TrimSuffix(strings.ToLower(fields[1]), "s") {
		case "day":
			unit = 24 * time.Hour
		case "week":
			unit = 7 * 24 * time.Hour
		default:
			return fmt.Errorf("invalid duration unit in %q", s)
		}

		*h = humanDuration(time.Duration(n * float64(unit)))

		return nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*h = humanDuration(d)

	return nil
}
