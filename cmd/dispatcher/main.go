package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MyUnisoft/events-dispatcher/internal/bus"
	"github.com/MyUnisoft/events-dispatcher/internal/config"
	"github.com/MyUnisoft/events-dispatcher/internal/dispatcher"
	"github.com/MyUnisoft/events-dispatcher/internal/httpapi"
	"github.com/MyUnisoft/events-dispatcher/internal/log"
	"github.com/MyUnisoft/events-dispatcher/internal/redisx"
	"github.com/MyUnisoft/events-dispatcher/internal/validation"
)

var (
	version = "v0.1.0"
	commit  = "none"
)

const httpShutdownTimeout = 10 * time.Second

func main() {
	if err := newRoot().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "dispatcher",
		Short:         "Redis-backed event dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("%s (commit: %s)\n", version, commit)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		redisAddr  string
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the dispatcher process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatcher(cmd.Context(), configPath, redisAddr, listenAddr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "127.0.0.1:6379", "Redis address")
	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "admin HTTP listen address")
	return cmd
}

func runDispatcher(ctx context.Context, configPath, redisAddr, listenAddr string) error {
	log.Configure(log.Config{Level: "info", Service: "event-dispatcher"})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := config.Defaults()
	opts = config.FromEnv(opts)
	if configPath != "" {
		fileOpts, err := config.LoadFile(configPath, opts)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		opts = fileOpts
	}

	redisClient, err := redisx.NewClient(ctx, redisAddr, "", 0)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	kv := redisx.NewKVStore(redisClient, opts.Prefix)
	redisBus := bus.NewRedisBus(redisClient)

	validator, err := validation.NewValidator(nil)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	d := dispatcher.New(opts, dispatcher.Dependencies{
		KV:        kv,
		Bus:       redisBus,
		Validator: validator,
	})

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, opts, d.ApplyOptions)
		if err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		defer watcher.Close()
	}

	httpServer := &http.Server{Addr: listenAddr, Handler: httpapi.NewRouter(d)}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("admin http server stopped unexpectedly")
		}
	}()

	logger.Info().Str("redis_addr", redisAddr).Str("listen_addr", listenAddr).Msg("starting dispatcher")

	runErr := d.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}
