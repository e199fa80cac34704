package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jellybobbin/sincere"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

type userPayload struct {
	Name string `json:"name" binding:"required"`
	Age  int    `json:"age" binding:"required"`
}

var rootCmd = &cobra.Command{
	Use:          "sincere",
	Short:        "Demo HTTP server built on the sincere request pipeline",
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().String("addr", "", "listen address (overrides SINCERE_ADDR)")
	rootCmd.Flags().Bool("debug", false, "enable debug logging (overrides SINCERE_DEBUG)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if err := loadEnvFile(); err != nil {
		return err
	}
	cfg, err := parse()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.addr = addr
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.debug = true
	}

	logger, err := newLogger(cfg.debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	srv := &sincere.Server{
		Network:      cfg.network,
		Addr:         cfg.addr,
		Handler:      newHandler(cfg, logger),
		Parser:       &sincere.DefaultParser{MaxBodyBytes: cfg.maxBody},
		ReadTimeout:  cfg.readTimeout,
		WriteTimeout: cfg.writeTimeout,
		IdleTimeout:  cfg.idleTimeout,
		Logger:       logger,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("network", cfg.network), zap.String("addr", cfg.addr))
		errc <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, sincere.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newHandler(cfg *config, logger *zap.Logger) sincere.Handler {
	router := sincere.NewRouter()
	router.Get("/healthz", func(w sincere.ResponseWriter, r *sincere.Request) {
		w.Write([]byte("ok\n"))
	})
	router.Post("/users", func(w sincere.ResponseWriter, r *sincere.Request) {
		user, ok := sincere.BindOrReject[userPayload](w, r)
		if !ok {
			return
		}
		sincere.JSON(w, http.StatusCreated, user)
	})
	router.Get("/users/:id", func(w sincere.ResponseWriter, r *sincere.Request) {
		id, _ := r.GetParam("id")
		reqID, _ := r.GetHeader(sincere.HeaderRequestID)
		sincere.JSON(w, http.StatusOK, map[string]string{"id": id, "request_id": reqID})
	})

	mws := []sincere.Middleware{
		sincere.Recover(logger),
		sincere.AccessLog(logger),
		sincere.RequestID(),
		sincere.ForwardedFor(),
	}
	if cfg.rate > 0 {
		mws = append(mws, sincere.RateLimit(cfg.rate, cfg.burst))
	}
	return sincere.Chain(router, mws...)
}
