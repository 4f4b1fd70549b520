package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/truthgate/truthgate/pkg/auth"
	"github.com/truthgate/truthgate/pkg/cache"
	"github.com/truthgate/truthgate/pkg/certs"
	"github.com/truthgate/truthgate/pkg/config"
	"github.com/truthgate/truthgate/pkg/gateway"
	"github.com/truthgate/truthgate/pkg/ipns"
	"github.com/truthgate/truthgate/pkg/log"
	"github.com/truthgate/truthgate/pkg/metrics"
	"github.com/truthgate/truthgate/pkg/node"
	"github.com/truthgate/truthgate/pkg/publish"
	"github.com/truthgate/truthgate/pkg/ratelimit"
	"github.com/truthgate/truthgate/pkg/server"
	"github.com/truthgate/truthgate/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "truthgate",
	Short: "TruthGate - secure edge gateway for a local content node",
	Long: `TruthGate fronts a local IPFS-compatible node and serves published
sites on their own domains, with authenticated node API access, an
atomic publish pipeline, adaptive rate limiting, and automatic
certificates.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"TruthGate version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hashCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the edge gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfgPath = config.ConfigPathFromEnv(cfgPath)

		cfgMgr, err := config.NewManager(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}
		snapshot := cfgMgr.Current()

		log.Init(log.Config{
			Level:      log.Level(snapshot.LogLevel),
			JSONOutput: snapshot.LogJSON,
		})
		logger := log.WithComponent("main")

		store, err := storage.NewBoltStore(snapshot.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		authSvc, err := auth.NewService(cfgMgr)
		if err != nil {
			return fmt.Errorf("failed to init auth: %v", err)
		}
		authSvc.Start()
		defer authSvc.Stop()

		nodeClient := node.NewClient(snapshot.NodeAPIAddr, snapshot.NodeGateway, authSvc.InternalKey)
		resolveCache := cache.New(nodeClient, cache.DefaultTTL)

		limiter := ratelimit.NewLimiter(snapshot.RateLimit, store)
		if err := limiter.Start(); err != nil {
			return fmt.Errorf("failed to start limiter: %v", err)
		}
		defer limiter.Stop()

		updater := ipns.NewUpdater(nodeClient, ipns.DefaultWorkers, ipns.DefaultCooldown)
		updater.Start()
		defer updater.Stop(30 * time.Second)

		publisher := publish.NewService(nodeClient, cfgMgr, resolveCache, updater)
		publisher.Start()
		defer publisher.Stop()

		certMgr, err := certs.NewManager(store, cfgMgr)
		if err != nil {
			return fmt.Errorf("failed to init certificates: %v", err)
		}
		certMgr.Start()
		defer certMgr.Stop()

		sampler, err := metrics.NewSampler(metrics.SamplerOptions{})
		if err != nil {
			logger.Warn().Err(err).Msg("sampler unavailable")
		} else {
			sampler.Start()
			defer sampler.Stop()
		}

		dispatcher := gateway.New(gateway.Options{
			Config:  cfgMgr,
			Node:    nodeClient,
			Cache:   resolveCache,
			Auth:    authSvc,
			Limiter: limiter,
			Publish: publisher,
			Certs:   certMgr,
			Sampler: sampler,
			Store:   store,
		})

		srv := server.New(cfgMgr, dispatcher, certMgr, limiter)
		errCh := make(chan error, 2)
		if err := srv.Start(errCh); err != nil {
			return fmt.Errorf("failed to start listeners: %v", err)
		}

		cfgMgr.Start(5 * time.Second)
		defer cfgMgr.Stop()

		logger.Info().Str("version", Version).Msg("truthgate running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("listener failed")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("shutdown incomplete")
		}
		return nil
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash-key VALUE",
	Short: "Hash an admin key or password for the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		fmt.Println(string(hash))
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "./truthgate.yaml", "Path to the config file")
}
