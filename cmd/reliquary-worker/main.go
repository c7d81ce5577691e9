// reliquary-worker is the isolated execution process. In its default mode it
// speaks the newline-delimited JSON protocol on stdin/stdout; with --http it
// serves the container-facing HTTP protocol instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/HyphaGroup/reliquary/internal/logger"
	"github.com/HyphaGroup/reliquary/internal/worker"
)

func main() {
	httpMode := flag.Bool("http", false, "serve the HTTP execution protocol instead of stdio")
	httpAddr := flag.String("http-addr", ":8400", "listen address in HTTP mode")
	logDir := flag.String("log-dir", defaultLogDir(), "directory for log files")
	flag.Parse()

	if err := logger.InitSlog(*logDir, true); err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseSlog()

	if *httpMode {
		logger.Slog().Info("worker starting in http mode", "addr", *httpAddr)
		if err := http.ListenAndServe(*httpAddr, worker.NewHTTPServer().Handler()); err != nil {
			logger.Slog().Error("http worker failed", "err", err)
			os.Exit(1)
		}
		return
	}

	logger.Slog().Info("worker starting in stdio mode", "pid", os.Getpid())
	w := worker.New(os.Stdin, os.Stdout)
	if err := w.Loop(context.Background()); err != nil {
		logger.Slog().Error("worker loop failed", "err", err)
		os.Exit(1)
	}
}

func defaultLogDir() string {
	if dir := os.Getenv("RELIQUARY_LOG_DIR"); dir != "" {
		return dir
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		return "."
	}
	return cache + "/reliquary/logs"
}
