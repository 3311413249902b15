package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tarungka/telepipe/internal/db/badgerdb"
	"github.com/tarungka/telepipe/internal/ledger"
	"github.com/tarungka/telepipe/internal/logger"
	"github.com/tarungka/telepipe/internal/remote"
	"github.com/tarungka/telepipe/internal/utils"
	"github.com/tarungka/telepipe/pipeline"
	"github.com/tarungka/telepipe/server"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	buildString = "unknown"
	ko          = koanf.New(".")
)

func main() {
	if err := initFlags(ko, os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if ko.Bool("version") {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// This way the command line arguments are overridden by the config files
	if ko.Bool("override") {
		if err := initConfig(ko); err != nil {
			log.Fatal().Err(err).Msg("Error when initializing the config!")
		}
	}

	if path := ko.String("log.file"); path != "" {
		logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open log file")
		} else {
			defer logFile.Close()
			logger.SetLogFile(logFile)
		}
	}
	logger.SetDevelopment(ko.Bool("dev"))
	log.Logger = logger.GetLogger("telepipe")
	if !ko.Bool("dev") {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Info().Str("build", buildString).Msg("Starting the application")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, ko); err != nil {
		log.Fatal().Err(err).Msg("telepipe stopped with an error")
	}
	log.Info().Msg("telepipe stopped")
}

func run(ctx context.Context, ko *koanf.Koanf) error {
	store := badgerdb.New(&badgerdb.Config{Dir: ko.String("store.dir")})
	if err := store.Open(); err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()

	ledgerPath := ko.String("ledger.path")
	if err := os.MkdirAll(filepath.Dir(ledgerPath), 0o755); err != nil {
		return err
	}
	runs, err := ledger.Open(ledgerPath)
	if err != nil {
		return fmt.Errorf("failed to open run ledger: %w", err)
	}
	defer runs.Close()
	if n, err := runs.Recover(); err != nil {
		return err
	} else if n > 0 {
		log.Warn().Msgf("marked %d runs of an earlier process as abandoned", n)
	}

	factory := pipeline.NewFactory(store)
	opts := []pipeline.ManagerOption{pipeline.WithLedger(runs)}
	if address := ko.String("peer.address"); address != "" {
		if host, err := utils.ResolvableAddress(address); err != nil {
			log.Warn().Err(err).Msgf("peer host %s does not resolve yet", host)
		}
		dialer := remote.NewDialer(address)
		defer dialer.Close()
		opts = append(opts, pipeline.WithConnector(dialer))
		log.Info().Msgf("remote operators run on %s", address)
	}
	manager := pipeline.NewManager(factory, opts...)

	configs, err := pipeline.Load(ko)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if listen := ko.String("peer.listen"); listen != "" {
		lis, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen for peers: %w", err)
		}
		peer := remote.NewServer(
			remote.WithFactory(factory),
			remote.WithClaimTimeout(ko.Duration("peer.claim_timeout")),
		)
		g.Go(func() error {
			log.Info().Msgf("accepting remote operators on %s", lis.Addr())
			return peer.Serve(gctx, lis)
		})
	}

	lis, err := net.Listen("tcp", ":"+ko.String("port"))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	g.Go(func() error {
		return server.New(manager).Serve(gctx, lis)
	})

	for _, c := range configs {
		if !c.Autostart {
			continue
		}
		info, err := manager.StartConfig(c)
		if err != nil {
			log.Err(err).Msgf("failed to start configured pipeline '%s'", c.Name)
			continue
		}
		log.Info().Str("run", info.ID).Msgf("started configured pipeline '%s'", c.Name)
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return manager.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
