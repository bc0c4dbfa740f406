// Command tentackld is Tentackl's composition-root binary: it wires every
// adapter (Mongo primary store, Redis cache/queue/event-bus, the three
// model providers, the execution tree, planner/orchestrator/observer/
// checkpoint/scheduler engines) into a taskruntime.Runtime and exposes it
// over a thin net/http surface.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"

	"tentackl/internal/config"
	"tentackl/internal/telemetry"
)

func main() {
	var (
		configPathF = flag.String("config", "", "path to a YAML config file (optional; env vars override)")
		httpAddrF   = flag.String("http-addr", ":8080", "address the observe/webhook/control HTTP surface listens on")
		inMemoryF   = flag.Bool("in-memory", false, "use in-memory stores and in-process scheduling instead of Mongo/Redis/queue")
		dbgF        = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()

	cfg, err := config.Load(*configPathF)
	if err != nil {
		log.Fatalf(ctx, err, "load config")
	}

	app, err := wire(ctx, cfg, *inMemoryF, logger)
	if err != nil {
		log.Fatalf(ctx, err, "wire application")
	}
	defer app.close(ctx)

	go app.recovery.Run(ctx)
	app.automation.SetCloner(app.runtime)

	srv := newServer(app, *httpAddrF)
	go func() {
		log.Printf(ctx, "tentackl listening on %s", *httpAddrF)
		if err := srv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			log.Error(ctx, err, log.KV{K: "msg", V: "http server exited"})
		}
	}()

	<-ctx.Done()
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"})
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
