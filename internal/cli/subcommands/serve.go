package subcommands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"LlamaRun/internal/config"
	"LlamaRun/server"
)

// RunServe serves gen over HTTP until ctx is cancelled or the process gets
// SIGINT or SIGTERM. In-flight generations are cancelled on shutdown.
func RunServe(ctx context.Context, cfg config.Config, backend string, gen server.Generator, out io.Writer) error {
	host := cfg.Server.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Server.Port
	if port <= 0 {
		return fmt.Errorf("invalid server port %d", port)
	}

	ttl := 10 * time.Minute
	if cfg.Server.SessionTTL != "" {
		d, err := time.ParseDuration(cfg.Server.SessionTTL)
		if err != nil {
			return fmt.Errorf("server.session_ttl: %w", err)
		}
		ttl = d
	}

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := server.NewHTTPServer(host, strconv.Itoa(port), backend, gen, ttl)

	fmt.Fprintf(out, "LlamaRun HTTP server listening on http://%s:%d\n", host, port)
	fmt.Fprintf(out, "  Health:   http://%s:%d/health\n", host, port)
	fmt.Fprintf(out, "  Generate: http://%s:%d/v1/generate\n", host, port)

	if err := srv.Start(sigCtx); err != nil {
		return err
	}
	fmt.Fprintln(out, "HTTP server shut down")
	return nil
}
