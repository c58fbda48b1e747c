package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/seancwalsh/flynn/internal/auth"
	"github.com/seancwalsh/flynn/internal/config"
	"github.com/seancwalsh/flynn/internal/server"
	"github.com/seancwalsh/flynn/internal/version"
	"go.uber.org/zap"
)

func main() {
	// FLYNN_* variables from a local .env; the real environment wins.
	_ = godotenv.Load()

	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			os.Args = append(os.Args[:1], os.Args[2:]...)
		case "detect":
			exitOnError(runDetect(os.Args[2:]))
			return
		case "seed":
			exitOnError(runSeed(os.Args[2:]))
			return
		case "backup":
			exitOnError(runBackup(os.Args[2:]))
			return
		case "restore":
			exitOnError(runRestore(os.Args[2:]))
			return
		case "token":
			exitOnError(runToken(os.Args[2:]))
			return
		case "version":
			fmt.Println(version.Info())
			return
		}
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}
	exitOnError(serve(*configPath))
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "flynn: %v\n", err)
		os.Exit(1)
	}
}

// serve runs the plugins and the HTTP API until SIGINT or SIGTERM.
func serve(configPath string) error {
	rt, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	logger.Info("Flynn server starting", zap.String("version", version.Short()))
	config.WatchLogLevel(rt.viper, rt.level, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.reg.StartAll(ctx); err != nil {
		return fmt.Errorf("start plugins: %w", err)
	}

	srvCfg, err := server.ConfigFrom(rt.viper)
	if err != nil {
		return err
	}

	var authMW server.Middleware
	if secret := rt.viper.GetString("auth.jwt_secret"); secret != "" {
		tokens := auth.NewTokenService([]byte(secret), rt.viper.GetDuration("auth.access_token_ttl"))
		authMW = auth.AuthMiddleware(tokens)
		logger.Info("JWT secret loaded from configuration", zap.String("component", "auth"))
	}

	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		return rt.db.Ping(ctx)
	})
	srv := server.New(srvCfg, rt.reg, logger, readyCheck, authMW)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logger.Info("Flynn server ready", zap.String("addr", srvCfg.Addr()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	rt.reg.StopAll(shutdownCtx)

	logger.Info("Flynn server stopped")
	return nil
}
