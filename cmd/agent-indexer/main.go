package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentregistry/indexer/infrastructure/logging"
	"github.com/agentregistry/indexer/infrastructure/metrics"
	"github.com/agentregistry/indexer/ingest"
	"github.com/agentregistry/indexer/verify"
)

func main() {
	log := logging.NewFromEnv("agent-indexer")

	cfg, err := ingest.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	metrics.Init("agent-indexer")

	var verifier ingest.Verifier
	if cfg.VerificationEnabled {
		// The verifier shares storage's underlying connection pool rather
		// than opening a second one; wired in after NewService so it can
		// reuse the same *sql.DB and RPC client.
		verifier = &deferredVerifier{cfg: cfg}
	}

	svc, err := ingest.NewService(cfg, verifier, log)
	if err != nil {
		log.WithError(err).Fatal("create service")
	}

	if dv, ok := verifier.(*deferredVerifier); ok {
		dv.v = verify.NewVerifier(cfg, verify.NewStorage(svc.Storage().DB()), svc.RPCClient(), log)
	}

	if cfg.MetricsEndpointEnabled {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Fatal("start service")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info("shutting down")
	case err := <-svc.Fatal():
		log.WithError(err).Error("fail-stop condition, shutting down")
	}

	if err := svc.Stop(); err != nil {
		log.WithError(err).Error("stop service")
	}
}

// deferredVerifier lets main() hand a Verifier to NewService before the
// concrete *verify.Verifier (which needs svc.Storage()/svc.RPCClient()) can
// be constructed, breaking the construction-order cycle between the service
// and its verifier without introducing an import cycle between packages.
type deferredVerifier struct {
	cfg *ingest.Config
	v   *verify.Verifier
}

func (d *deferredVerifier) Start(ctx context.Context) error {
	if d.v == nil {
		return nil
	}
	return d.v.Start(ctx)
}

func (d *deferredVerifier) Stop() {
	if d.v != nil {
		d.v.Stop()
	}
}

func serveMetrics(addr string, log *logging.Logger) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	log.WithField("addr", addr).Info("serving metrics endpoint")
	if err := http.ListenAndServe(addr, r); err != nil {
		log.WithError(err).Error("metrics server stopped")
	}
}
