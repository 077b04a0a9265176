package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kingrea/storyloom/internal/eventbridge"
	"github.com/kingrea/storyloom/internal/logging"
)

func runServe(args []string, stdout, stderr io.Writer) error {
	fs, projectFlag := newFlagSet("serve", stderr)
	host := fs.String("host", "", "bind host (default: bridge.host from config.yaml)")
	port := fs.Int("port", 0, "bind port (default: bridge.port from config.yaml)")
	if done, err := parseFlags(fs, args); done {
		return err
	}
	if fs.NArg() > 0 {
		return usageErrorf("unexpected argument: %s", fs.Arg(0))
	}
	if fs.Changed("port") && (*port < 1 || *port > 65535) {
		return usageErrorf("--port must be between 1 and 65535")
	}
	projectDir, err := resolveProject(*projectFlag)
	if err != nil {
		return err
	}
	rt, err := openRuntime(projectDir)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := eventbridge.SettingsFromConfig(rt.cfg)
	settings.Enabled = true
	if fs.Changed("host") {
		settings.Host = *host
	}
	if fs.Changed("port") {
		settings.Port = *port
	}
	bridge, err := startBridge(ctx, rt, settings)
	if err != nil {
		return err
	}
	defer stopBridge(bridge)

	fmt.Fprintf(stdout, "storyloom bridge listening on %s (%d roles, %d workers)\n",
		bridge.BaseURL(), rt.manager.Catalog().Len(), rt.manager.Workers())
	console := logging.NewCommandLogger(rt.cfg.Project.Log.Level)
	console.Info("bridge started", "url", bridge.BaseURL(), "project", projectDir)
	<-ctx.Done()
	console.Info("bridge stopping", "queued", rt.manager.QueueDepth(), "active", rt.manager.Stats().Active())
	fmt.Fprintln(stdout, "shutting down...")
	return nil
}

func startBridge(ctx context.Context, rt *runtime, settings eventbridge.Settings) (*eventbridge.Server, error) {
	opts := []eventbridge.Option{eventbridge.WithLogger(rt.log)}
	if rt.history != nil {
		opts = append(opts, eventbridge.WithHistory(rt.history))
	}
	server := eventbridge.NewServer(settings, rt.manager, opts...)
	if err := server.Start(ctx); err != nil {
		return nil, err
	}
	rt.journal.Info("bridge listening on %s", server.BaseURL())
	return server, nil
}

func stopBridge(server *eventbridge.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}
