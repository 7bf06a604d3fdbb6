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

	"github.com/spf13/cobra"

	"github.com/aretw0/notesync/internal/platform"
	"github.com/aretw0/notesync/pkg/adapters/websocket"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Relay the configured feed to websocket clients",
	Long: `serve exposes the configured push feed at GET /owners/{owner}/changes so
clients configured with the websocket feed can listen without direct access to
the database or broker.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg := loadConfig()
		if cfg.Feed.Adapter == "websocket" {
			fatal("Invalid feed", errors.New("serve needs an upstream feed, not websocket"))
		}
		cfg.Principal = ""
		rt, err := platform.Open(ctx, cfg, platform.WithLogger(slog.Default()))
		if err != nil {
			fatal("Failed to initialize notesync", err)
		}
		defer rt.Close(context.WithoutCancel(ctx))
		if rt.Feed == nil {
			fatal("Invalid feed", errors.New("no feed configured"))
		}

		srv := &http.Server{
			Addr:              serveAddr,
			Handler:           websocket.NewServer(rt.Feed, websocket.WithServerLogger(slog.Default())),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		fmt.Printf("Relaying changes on %s\n", serveAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("Server failed", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8081", "Listen address")
}
