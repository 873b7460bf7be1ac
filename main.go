package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/Volpestyle/career-agent-sub001/internal/applog"
	"github.com/Volpestyle/career-agent-sub001/internal/broker"
	"github.com/Volpestyle/career-agent-sub001/internal/config"
	"github.com/Volpestyle/career-agent-sub001/internal/db"
	"github.com/Volpestyle/career-agent-sub001/internal/history"
	"github.com/Volpestyle/career-agent-sub001/internal/identity"
	"github.com/Volpestyle/career-agent-sub001/internal/ingest"
	"github.com/Volpestyle/career-agent-sub001/internal/metrics"
	"github.com/Volpestyle/career-agent-sub001/internal/notify"
	"github.com/Volpestyle/career-agent-sub001/internal/ownership"
	"github.com/Volpestyle/career-agent-sub001/internal/provider"
	"github.com/Volpestyle/career-agent-sub001/internal/recorder"
	"github.com/Volpestyle/career-agent-sub001/internal/retention"
	"github.com/Volpestyle/career-agent-sub001/internal/stream"
	"github.com/Volpestyle/career-agent-sub001/internal/webserver"
)

func openDB(path string) (*db.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
	}
	store, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func loadConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load config: %v\n", err)
		cfg = config.Defaults()
	}
	if err := config.EnsureJWTSecret(path, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not persist JWT secret: %v\n", err)
	}
	return cfg
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "career-agent",
		Short:         "Stream job-search automation sessions to their owners",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file (.json, .yaml or .yml)")

	root.AddCommand(
		serveCmd(&configPath),
		migrateCmd(&configPath),
		tokenCmd(&configPath),
		hashKeyCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, retention loop and optional queue consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(loadConfig(*configPath))
		},
	}
}

func serve(cfg config.Config) error {
	logger, logCloser, err := applog.Init(applog.InitConfig{
		LogDir:   cfg.LogDir,
		LogLevel: cfg.LogLevel,
		Format:   cfg.LogFormat,
		KeepDays: cfg.LogKeepDays,
		Stderr:   os.Stderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		logger = slog.Default() // falls back to default (stderr)
	} else {
		defer logCloser.Close()
	}

	store, err := openDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNew(reg)

	b := broker.New(broker.Config{MaxSubscribersPerTopic: cfg.Stream.MaxSubscribersPerTopic}, logger, m)

	var sessions provider.Provider
	if cfg.Provider.APIKey != "" {
		client := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout.Std())
		sessions = provider.NewCached(client, cfg.Provider.CacheSize, cfg.Provider.CacheTTL.Std())
	} else {
		logger.Warn("provider: no api key configured, session metadata disabled")
	}

	loader := history.NewLoader(sessions, store, logger)
	gate := ownership.New(loader, store, logger)
	coord := stream.NewCoordinator(
		identity.NewJWTResolver(cfg.Auth.JWTSecret),
		gate, loader, b,
		stream.Config{
			HeartbeatInterval: cfg.Stream.HeartbeatInterval.Std(),
			MaxPendingFrames:  cfg.Stream.MaxPendingFrames,
		},
		logger, m,
	)

	notifier := notify.New(notify.Config{
		Enabled: cfg.Notifications.Enabled,
		Webhook: cfg.Notifications.Webhook,
		NtfyURL: cfg.Notifications.NtfyURL,
	}, logger)
	rec := recorder.New(store, b, notifier, logger)

	pruner := retention.New(store, cfg.Retention.MaxAge.Std(), cfg.Retention.Interval.Std(), logger)
	pruner.Start()
	defer pruner.Stop()

	keys := identity.NewWorkerKeys(cfg.Auth.WorkerKey, cfg.Auth.WorkerKeyHash)
	if !keys.Enabled() {
		logger.Warn("webserver: no worker key configured, ingest endpoints will refuse every request")
	}

	tlsCache := cfg.Webserver.TLS.CacheDir
	if tlsCache == "" {
		tlsCache = config.CertsDir()
	}
	srv := webserver.New(webserver.Config{
		Port: cfg.Webserver.Port,
		Host: cfg.Webserver.Host,
		TLS: webserver.TLSConfig{
			Mode:     cfg.Webserver.TLS.Mode,
			Domain:   cfg.Webserver.TLS.Domain,
			CertFile: cfg.Webserver.TLS.CertFile,
			KeyFile:  cfg.Webserver.TLS.KeyFile,
			CacheDir: tlsCache,
		},
		StreamWriteTimeout: cfg.Stream.WriteTimeout.Std(),
		JWTSecret:          cfg.Auth.JWTSecret,
		TokenTTL:           cfg.Auth.TokenTTL.Std(),
	}, webserver.Deps{
		Streams:    coord,
		Recorder:   rec,
		WorkerKeys: keys,
		Health:     store,
		Gatherer:   reg,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if cfg.Ingest.Enabled {
		consumer, err := ingest.Dial(ingest.Config{
			URL:      cfg.Ingest.URL,
			Exchange: cfg.Ingest.Exchange,
			Queue:    cfg.Ingest.Queue,
		}, rec, logger)
		if err != nil {
			stop()
			g.Wait()
			return err
		}
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(gctx) })
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := openDB(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Database ready: %s\n", cfg.DBPath)
			return nil
		},
	}
}

func tokenCmd(configPath *string) *cobra.Command {
	var anonymous bool
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token [subject]",
		Short: "Issue an access token for a user, or an anonymous token",
		Args: func(cmd *cobra.Command, args []string) error {
			if anonymous {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(*configPath)
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL.Std()
			}
			out := cmd.OutOrStdout()
			if anonymous {
				token, id, err := identity.IssueAnonymousToken(cfg.Auth.JWTSecret, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "id:    %s\ntoken: %s\n", id, token)
				return nil
			}
			token, err := identity.IssueAccessToken(cfg.Auth.JWTSecret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&anonymous, "anonymous", false, "issue a token for a fresh anonymous identity")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.tokenTTL)")
	return cmd
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key",
		Short: "Read a worker key and print the bcrypt hash for auth.workerKeyHash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if term.IsTerminal(int(os.Stdin.Fd())) {
				fmt.Fprint(cmd.ErrOrStderr(), "Worker key: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				key = string(raw)
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read key: %w", err)
				}
				key = strings.TrimSpace(line)
			}
			if key == "" {
				return fmt.Errorf("empty key")
			}
			hash, err := identity.HashWorkerKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
