package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics contains the Prometheus metrics for capture and recognition
type Metrics struct {
	// Capture buffer metrics
	ChunksPushed  prometheus.Counter
	BytesPushed   prometheus.Counter
	ChunksDropped prometheus.Counter

	// Consumer loop metrics
	BatchesDrained prometheus.Counter
	BatchesSilent  prometheus.Counter
	BatchBytes     prometheus.Histogram
	BatchChunks    prometheus.Histogram

	// Recognition and generation metrics
	FinalTranscripts prometheus.Counter
	Responses        prometheus.Counter
	ResponseFailures prometheus.Counter
}

// NewMetrics creates all metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChunksPushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mic_chunks_pushed_total",
			Help: "Total number of audio chunks accepted from the driver callback",
		}),
		BytesPushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mic_bytes_pushed_total",
			Help: "Total number of PCM bytes accepted from the driver callback",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "mic_chunks_dropped_total",
			Help: "Total number of audio chunks pushed after the stream was closed",
		}),

		BatchesDrained: factory.NewCounter(prometheus.CounterOpts{
			Name: "mic_batches_drained_total",
			Help: "Total number of coalesced batches drained by the consumer",
		}),
		BatchesSilent: factory.NewCounter(prometheus.CounterOpts{
			Name: "mic_batches_silent_total",
			Help: "Total number of batches dropped by the silence gate",
		}),
		BatchBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mic_batch_bytes",
			Help:    "Size of drained batches in bytes",
			Buckets: prometheus.ExponentialBuckets(512, 2, 10),
		}),
		BatchChunks: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mic_batch_chunks",
			Help:    "Number of chunks coalesced into one batch",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),

		FinalTranscripts: factory.NewCounter(prometheus.CounterOpts{
			Name: "mic_final_transcripts_total",
			Help: "Total number of final transcripts received",
		}),
		Responses: factory.NewCounter(prometheus.CounterOpts{
			Name: "mic_responses_total",
			Help: "Total number of generated responses",
		}),
		ResponseFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mic_response_failures_total",
			Help: "Total number of failed response generations",
		}),
	}
}

// The methods below satisfy audio.Recorder.

func (m *Metrics) ChunkPushed(bytes int) {
	m.ChunksPushed.Inc()
	m.BytesPushed.Add(float64(bytes))
}

func (m *Metrics) ChunkDropped() {
	m.ChunksDropped.Inc()
}

func (m *Metrics) BatchDrained(bytes, chunks int) {
	m.BatchesDrained.Inc()
	m.BatchBytes.Observe(float64(bytes))
	m.BatchChunks.Observe(float64(chunks))
}

func (m *Metrics) BatchSilent() {
	m.BatchesSilent.Inc()
}

// Serve exposes gatherer on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down metrics server")
		}
	}()

	log.Info().Str("addr", addr).Msg("Serving metrics")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
