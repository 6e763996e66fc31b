package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/garrisonhq/garrison/pkg/api"
	"github.com/garrisonhq/garrison/pkg/capacity"
	"github.com/garrisonhq/garrison/pkg/config"
	"github.com/garrisonhq/garrison/pkg/events"
	"github.com/garrisonhq/garrison/pkg/identity"
	"github.com/garrisonhq/garrison/pkg/log"
	"github.com/garrisonhq/garrison/pkg/metrics"
	"github.com/garrisonhq/garrison/pkg/registry"
	"github.com/garrisonhq/garrison/pkg/security"
	"github.com/garrisonhq/garrison/pkg/storage"
	"github.com/garrisonhq/garrison/pkg/token"
	"github.com/spf13/cobra"
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
	Use:   "garrison",
	Short: "Garrison - Fleet node lifecycle and capacity reservation engine",
	Long: `Garrison is the control plane for a game-server fleet. It enrolls
nodes with single-use tokens, issues and renews their mTLS certificates,
tracks liveness through heartbeats, and arbitrates capacity through
time-bounded reservations.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Garrison version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
}

func init() {
	serveCmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		var cfg *config.Config
		var err error
		if cfgPath != "" {
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}
		return serve(cmd.Context(), cfg)
	}
	serveCmd.Flags().String("config", "", "Path to config file")
	serveCmd.Flags().String("data-dir", "", "Override data directory")
	serveCmd.Flags().String("listen", "", "Override listen address")
	serveCmd.Flags().String("metrics-listen", ":9090", "Prometheus metrics listen address")
	serveCmd.Flags().Bool("insecure", false, "Serve plaintext gRPC (development only)")
}

func serve(ctx context.Context, cfg *config.Config) error {
	if v, _ := serveCmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := serveCmd.Flags().GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if cfg.Security.KeystorePassphrase == "" {
		return fmt.Errorf("security.keystore_passphrase (or GARRISON_KEYSTORE_PASSPHRASE) is required")
	}
	if cfg.Enrollment.TokenDigestKey == "" {
		return fmt.Errorf("enrollment.token_digest_key (or GARRISON_TOKEN_DIGEST_KEY) is required")
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("main")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	keys, err := security.NewEncryptedKeystore(store, security.DeriveKeystoreKey(cfg.Security.KeystorePassphrase))
	if err != nil {
		return err
	}
	ca := security.NewCertAuthority(store, keys, broker, cfg.Certificates.NodeCertValidity.Std())
	if err := ca.EnsureInitialized(ctx); err != nil {
		return fmt.Errorf("failed to initialize certificate authority: %w", err)
	}

	tokens := token.NewManager(store, []byte(cfg.Enrollment.TokenDigestKey), cfg.Enrollment.DefaultTokenValidity.Std())

	reg := registry.NewRegistry(store, tokens, ca, broker, registry.Options{
		StaleAfter:         cfg.Heartbeat.StaleAfter.Std(),
		SweepInterval:      cfg.Heartbeat.SweepInterval.Std(),
		DegradedCPUPercent: cfg.Heartbeat.DegradedCPUPercent,
	})
	reg.Start()
	defer reg.Stop()

	reservations := capacity.NewManager(store, broker, cfg.Reservations.SweepInterval.Std())
	reservations.Start()
	defer reservations.Stop()

	verifier := identity.StaticVerifier{}
	for bearer, p := range cfg.Identity.StaticTokens {
		verifier[bearer] = identity.Principal{Subject: p.Subject, OrgID: p.OrgID, Claims: p.Claims}
	}

	var tlsConfig *tls.Config
	if insecure, _ := serveCmd.Flags().GetBool("insecure"); insecure {
		logger.Warn().Msg("TLS disabled; agent certificate authentication unavailable")
	} else {
		host, _, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil || host == "" {
			host, _ = os.Hostname()
		}
		serverCert, err := ca.ServerTLSCertificate([]string{host, "localhost", "127.0.0.1"})
		if err != nil {
			return fmt.Errorf("failed to issue server certificate: %w", err)
		}
		tlsConfig = api.ServerTLSConfig(serverCert, ca.RootCertPool())
	}

	srv := api.NewServer(verifier, tlsConfig)

	if addr, _ := serveCmd.Flags().GetString("metrics-listen"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		srv.Stop()
		return nil
	case err := <-errCh:
		return err
	}
}
