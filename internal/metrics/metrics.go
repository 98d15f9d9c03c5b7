// Package metrics exposes engine counters to prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cbak-go/internal/cbak"
)

const namespace = "cbak"

// Collector implements cbak.Metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	scans            *prometheus.CounterVec
	filesClassified  *prometheus.CounterVec
	directoryErrors  *prometheus.CounterVec
	blocksSent       *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	providerFailures *prometheus.CounterVec
	transfers        *prometheus.CounterVec
}

var _ cbak.Metrics = (*Collector)(nil)

// New creates a Collector with every metric registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Completed scans by source and whether they were cancelled.",
		}, []string{"source", "cancelled"}),
		filesClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_classified_total",
			Help:      "Files seen by scans, by classification.",
		}, []string{"source", "class"}),
		directoryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_directory_errors_total",
			Help:      "Directories that could not be enumerated.",
		}, []string{"source"}),
		blocksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_sent_total",
			Help:      "Blocks committed to a provider.",
		}, []string{"provider"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Block payload bytes sent to a provider.",
		}, []string{"provider"}),
		providerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_failures_total",
			Help:      "Block uploads that failed after adapter retries.",
		}, []string{"provider"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Finished transfers by outcome.",
		}, []string{"outcome"}),
	}
	c.registry.MustRegister(
		c.scans,
		c.filesClassified,
		c.directoryErrors,
		c.blocksSent,
		c.bytesSent,
		c.providerFailures,
		c.transfers,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry returns the registry the collectors live on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) ScanCompleted(source int64, res cbak.ScanResult) {
	id := strconv.FormatInt(source, 10)
	c.scans.WithLabelValues(id, strconv.FormatBool(res.Cancelled)).Inc()
	c.directoryErrors.WithLabelValues(id).Add(float64(res.DirectoryErrors))
	for class, n := range map[cbak.Classification]int{
		cbak.ClassNew:         res.NewFiles,
		cbak.ClassUpdated:     res.UpdatedFiles,
		cbak.ClassExisting:    res.ExistingFiles,
		cbak.ClassUnsupported: res.UnsupportedFiles,
	} {
		c.filesClassified.WithLabelValues(id, class.String()).Add(float64(n))
	}
}

func (c *Collector) BlockSent(provider string, bytes int) {
	c.blocksSent.WithLabelValues(provider).Inc()
	c.bytesSent.WithLabelValues(provider).Add(float64(bytes))
}

func (c *Collector) ProviderFailed(provider string) {
	c.providerFailures.WithLabelValues(provider).Inc()
}

func (c *Collector) TransferFinished(outcome cbak.TransferOutcome) {
	c.transfers.WithLabelValues(outcome.String()).Inc()
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve runs an HTTP server for /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
