package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	commonlog "attach_server/server/common/log"
	filemanapp "attach_server/server/fileman/app"
)

func main() {
	defer commonlog.Sync()

	cfg := filemanapp.LoadConfig()
	server, err := filemanapp.NewServer(cfg)
	if err != nil {
		commonlog.Errorf("initialize fileman server: %v", err)
		commonlog.Sync()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server.SweepOrphans(ctx)
	go server.RunOrphanSweeper(ctx)

	serveErr := make(chan error, 1)
	go func() {
		commonlog.Infof("start fileman http server on :%s", cfg.Port)
		if err := server.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		commonlog.Errorf("run fileman http server: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Errorf("shutdown fileman server gracefully: %v", err)
	}
}
