// cairnd runs one or more of the cairn services: the exposer
// (ingestion API), the retriever (query API) and the compacter
// (background compaction, retirement and archival). All three share
// one record store.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/cairn-db/cairn/pkg/config"
	"github.com/cairn-db/cairn/pkg/logging"
	"github.com/cairn-db/cairn/pkg/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (optional)")
		role       = flag.String("role", "", "override configured role: exposer, retriever, compacter or all")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logging.New("cairnd", false, true)
		bootLog.Fatal().Err(err).Msg("load config")
	}
	if *role != "" {
		cfg.Role = *role
	}

	log := logging.New("cairnd", cfg.Log.Debug, cfg.Log.Human)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup")
	}

	runExposer := cfg.Role == "exposer" || cfg.Role == "all"
	runRetriever := cfg.Role == "retriever" || cfg.Role == "all"
	runCompacter := cfg.Role == "compacter" || cfg.Role == "all"

	var wg sync.WaitGroup
	var servers []*http.Server

	if runExposer {
		app.RunWatchHub(ctx, &wg)
		servers = append(servers, serve(&wg, log, "exposer", cfg.ExposerAddr, app.ExposerRouter()))
	}
	if runRetriever {
		servers = append(servers, serve(&wg, log, "retriever", cfg.RetrieverAddr, app.RetrieverRouter()))
	}
	if runCompacter {
		app.RunCompacter(ctx, &wg)
	}
	app.RunStoreGC(ctx, &wg)

	log.Info().
		Str("role", cfg.Role).
		Str("backend", cfg.Storage.Backend).
		Msg("cairnd started")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("server shutdown")
		}
	}

	wg.Wait()

	if err := app.Close(); err != nil {
		log.Error().Err(err).Msg("close store")
	}
	log.Info().Msg("stopped")
}

// serve starts an HTTP server in the background and returns it for
// shutdown.
func serve(wg *sync.WaitGroup, log zerolog.Logger, name, addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", addr).Msgf("%s listening", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Str("addr", addr).Msgf("%s server", name)
		}
	}()
	return srv
}
