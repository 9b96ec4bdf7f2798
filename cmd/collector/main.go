package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"olhovivo-collector/internal/collector"
	"olhovivo-collector/internal/config"
	"olhovivo-collector/internal/db"
	"olhovivo-collector/internal/logging"
	"olhovivo-collector/internal/metrics"
	"olhovivo-collector/internal/olhovivo"
	"olhovivo-collector/internal/publisher"
	"olhovivo-collector/internal/server"
	"olhovivo-collector/internal/store"
)

const connectAttempts = 5

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration from .env, CONFIG_FILE and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	st := store.New(cfg.DataRoot, nil)
	if err := st.Scaffold(); err != nil {
		log.Fatalf("data root error: %v", err)
	}
	logFile, err := logging.Init(cfg.DataRoot)
	if err != nil {
		log.Fatalf("log setup error: %v", err)
	}
	defer logFile.Close()

	log.Printf("starting olhovivo collector: mode=%s data=%s api=%s", cfg.Mode, st.Root(), cfg.BaseURL)
	if cfg.Token == "" {
		log.Printf("SPTRANS_TOKEN (or SPTRANS_API_KEY) is not set; authentication will fail")
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.CallDelay, cfg.CycleMin, cfg.CycleMax)
	}

	client, err := olhovivo.NewClient(cfg.BaseURL, cfg.Token, cfg.HTTPTimeout, wrapRequestObserver(mcol))
	if err != nil {
		log.Fatalf("api client error: %v", err)
	}

	var recorders []collector.Recorder
	if mcol != nil {
		recorders = append(recorders, mcol)
	}

	var catalog *db.Catalog
	if cfg.CatalogDSN != "" {
		catalog, err = db.Connect(ctx, cfg.CatalogDSN, connectAttempts)
		if err != nil {
			log.Fatalf("catalog error: %v", err)
		}
		defer catalog.Close()
		recorders = append(recorders, &catalogRecorder{cat: catalog, m: mcol})
	}

	if cfg.NATSURL != "" {
		pub, err := connectNATS(ctx, cfg, mcol)
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		recorders = append(recorders, pub)
	}

	coll := collector.New(client, st, collector.Options{
		LineSearchTerm: cfg.LineSearchTerm,
		CallDelay:      cfg.CallDelay,
		CycleMin:       cfg.CycleMin,
		CycleMax:       cfg.CycleMax,
		RecoveryDelay:  cfg.RecoveryDelay,
		AuthAttempts:   cfg.AuthAttempts,
		KMZVariants:    cfg.KMZVariants,
		CuratedGTFSRT:  cfg.CuratedGTFSRT,
		CuratedText:    cfg.CuratedGTFSRTText,
	}, recorders...)

	if mcol != nil {
		var files server.Catalog
		if catalog != nil {
			files = catalog
		}
		srv := server.Serve(cfg.MetricsAddr, server.NewRouter(mcol.Handler(), coll, files))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	code := collector.ExitOK
	switch cfg.Mode {
	case config.ModeLoop:
		if err := coll.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("collector stopped: %v", err)
		}
	case config.ModeOnce:
		_, err := coll.RunOnce(ctx)
		code = collector.ExitCode(err)
	case config.ModePositions:
		_, err := coll.CollectPositions(ctx)
		if err != nil {
			log.Printf("positions failed: %v", err)
		}
		code = collector.ExitCode(err)
	}

	log.Printf("shutdown complete (exit %d)", code)
	return code
}

func connectNATS(ctx context.Context, cfg *config.Config, mcol *metrics.Collector) (*publisher.NATSPublisher, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), connectAttempts-1), ctx)
	return backoff.RetryNotifyWithData(func() (*publisher.NATSPublisher, error) {
		return publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, wrapPublisherMetrics(mcol))
	}, b, func(err error, d time.Duration) {
		log.Printf("nats connect failed, retrying in %v: %v", d, err)
	})
}

// wrapRequestObserver keeps a nil Collector from becoming a non-nil interface.
func wrapRequestObserver(c *metrics.Collector) olhovivo.RequestObserver {
	if c == nil {
		return nil
	}
	return c
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

// catalogRecorder writes cycle events to the catalog. Failures are logged
// and counted, never propagated.
type catalogRecorder struct {
	cat *db.Catalog
	m   *metrics.Collector
}

func (r *catalogRecorder) FileSaved(ctx context.Context, cycleID uuid.UUID, f store.SavedFile) {
	if err := r.cat.RecordFile(ctx, cycleID, f); err != nil {
		r.fail(err)
	}
}

func (r *catalogRecorder) CycleFinished(ctx context.Context, rep collector.Report) {
	if err := r.cat.RecordCycle(ctx, rep); err != nil {
		r.fail(err)
	}
}

func (r *catalogRecorder) fail(err error) {
	log.Printf("catalog error: %v", err)
	if r.m != nil {
		r.m.CatalogErrors.Inc()
	}
}
