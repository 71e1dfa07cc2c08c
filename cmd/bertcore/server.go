package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-bertcore/internal/capability"
	"github.com/23skdu/longbow-bertcore/internal/client"
	"github.com/23skdu/longbow-bertcore/internal/device"
	"github.com/23skdu/longbow-bertcore/internal/dtype"
	"github.com/23skdu/longbow-bertcore/internal/weights"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bertcore_http_requests_total",
		Help: "HTTP requests by handler and status code",
	}, []string{"handler", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bertcore_request_duration_seconds",
		Help:    "Time spent processing HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})
)

type maskSizeRequest struct {
	SM        int    `cbor:"sm"`
	Precision string `cbor:"precision"`
	SeqLen    int    `cbor:"seq_len"`
}

type maskSizeResponse struct {
	SM         int    `cbor:"sm"`
	Precision  string `cbor:"precision"`
	SeqLen     int    `cbor:"seq_len"`
	PackedSize int    `cbor:"packed_size"`
	Fused      bool   `cbor:"fused"`
}

type convertRequest struct {
	Name   string `cbor:"name"`
	From   string `cbor:"from"`
	To     string `cbor:"to"`
	Count  int64  `cbor:"count"`
	Values []byte `cbor:"values"`
	Stage  bool   `cbor:"stage"`
}

type convertResponse struct {
	Name      string `cbor:"name"`
	Precision string `cbor:"precision"`
	Count     int64  `cbor:"count"`
	Values    []byte `cbor:"values"`
	Staged    bool   `cbor:"staged"`
}

const convertEnvelopeBytes = 4 << 10

type Server struct {
	rt          device.Runtime
	stager      *stager
	exporter    client.Exporter
	datasetName string
	alloc       memory.Allocator
	sem         *semaphore.Weighted
	maxBytes    int64
}

// NewServer admits at most maxBytes of weight payload at a time. exp may be
// nil when no export target is configured.
func NewServer(rt device.Runtime, exp client.Exporter, dataset string, maxBytes int64) *Server {
	return &Server{
		rt:          rt,
		stager:      newStager(rt),
		exporter:    exp,
		datasetName: dataset,
		alloc:       memory.NewGoAllocator(),
		sem:         semaphore.NewWeighted(maxBytes),
		maxBytes:    maxBytes,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/masksize", s.instrument("masksize", s.handleMaskSize))
	mux.Handle("/masktable", s.instrument("masktable", s.handleMaskTable))
	mux.Handle("/convert", s.instrument("convert", s.handleConvert))
	mux.Handle("/export", s.instrument("export", s.handleExport))
	return mux
}

func (s *Server) Close() error {
	err := s.stager.Close()
	if s.exporter != nil {
		err = errors.Join(err, s.exporter.Close())
	}
	return err
}

// instrument traces h and records its status codes and latency.
func (s *Server) instrument(name string, h http.HandlerFunc) http.Handler {
	labels := prometheus.Labels{"handler": name}
	traced := func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), name)
		defer span.End()
		h(w, r.WithContext(ctx))
	}
	return promhttp.InstrumentHandlerDuration(requestDuration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(requestsTotal.MustCurryWith(labels), http.HandlerFunc(traced)))
}

func writeCBOR(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleMaskSize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req maskSizeRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	t, err := dtype.Parse(req.Precision)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// A zero SM asks about the device this server runs on.
	if req.SM == 0 {
		if req.SM, err = capability.Query(s.rt); err != nil {
			log.Error().Err(err).Msg("Device query failed")
			http.Error(w, "Device query failed", http.StatusInternalServerError)
			return
		}
	}

	writeCBOR(w, maskSizeResponse{
		SM:         req.SM,
		Precision:  t.String(),
		SeqLen:     req.SeqLen,
		PackedSize: capability.PackedMaskSize(req.SM, t, req.SeqLen),
		Fused:      capability.IsFused(req.SM, t, req.SeqLen),
	})
}

func (s *Server) handleMaskTable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildMaskTable(capability.Table())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rec.Release()

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	if err := writeArrowStream(w, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The body holds the payload plus a small CBOR envelope.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes+convertEnvelopeBytes)
	var req convertRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Payload exceeds admission limit", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	from, err := dtype.Parse(req.From)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := dtype.Parse(req.To)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Admission control by payload size.
	weight := int64(len(req.Values))
	if weight > s.maxBytes {
		http.Error(w, "Payload exceeds admission limit", http.StatusRequestEntityTooLarge)
		return
	}
	if weight > 0 {
		if err := s.sem.Acquire(ctx, weight); err != nil {
			log.Error().Err(err).Msg("Failed to acquire semaphore")
			http.Error(w, "Server busy", http.StatusServiceUnavailable)
			return
		}
		defer s.sem.Release(weight)
	}

	out, err := weights.Convert(weights.RawBytes(from, req.Count, req.Values), to)
	switch {
	case errors.Is(err, dtype.ErrUnsupportedPrecision):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := convertResponse{
		Name:      req.Name,
		Precision: out.Type().String(),
		Count:     out.Count(),
		Values:    out.Bytes(),
	}
	if req.Stage {
		if req.Name == "" {
			http.Error(w, "stage requires a name", http.StatusBadRequest)
			return
		}
		if err := s.stager.Stage(req.Name, out); err != nil {
			log.Error().Err(err).Str("weight", req.Name).Msg("Staging failed")
			http.Error(w, "Staging failed", http.StatusInternalServerError)
			return
		}
		resp.Staged = true
	}
	writeCBOR(w, resp)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.exporter == nil {
		http.Error(w, "No export target configured", http.StatusNotFound)
		return
	}

	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildMaskTable(capability.Table())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rec.Release()

	if err := s.exporter.DoPut(r.Context(), s.datasetName, rec); err != nil {
		log.Error().Err(err).Str("dataset", s.datasetName).Msg("Export failed")
		http.Error(w, "Export failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func runServe(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listenAddr := fs.String("listen", ":8080", "Address to listen on for HTTP")
	flightAddr := fs.String("flight", "", "Address to listen on for Flight (e.g. :9090)")
	backend := fs.String("backend", "cpu", "Device backend (cpu, cuda)")
	maxInflight := fs.String("max-inflight", "256MB", "Maximum weight bytes converted concurrently (e.g. 4GB, 512MB)")
	serverAddr := fs.String("server", "", "Longbow server address for /export")
	datasetName := fs.String("dataset", "bertcore_mask_sizes", "Target dataset name on server")
	if err := fs.Parse(args); err != nil {
		return err
	}

	maxBytes, err := parseBytes(*maxInflight)
	if err != nil {
		return err
	}
	if maxBytes <= 0 {
		return fmt.Errorf("serve: -max-inflight must be positive")
	}

	rt, err := device.Open(*backend, 0)
	if err != nil {
		return err
	}

	var exp client.Exporter
	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			return err
		}
		exp = client.NewGuardedExporter(fc, client.NewCircuitBreaker(5, 30*time.Second), 3, 500*time.Millisecond)
		log.Info().Str("addr", *serverAddr).Msg("Exporting to Longbow")
	}

	srv := NewServer(rt, exp, *datasetName, maxBytes)
	defer func() {
		if err := srv.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close server resources")
		}
	}()

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "bertcore_device_memory_used_bytes",
			Help: "Device memory in use as reported by the runtime",
		},
		func() float64 {
			used, _ := rt.MemInfo()
			return float64(used)
		},
	))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *flightAddr != "" {
		fsrv, err := startFlightServer(*flightAddr)
		if err != nil {
			return err
		}
		defer fsrv.Shutdown()
	}

	httpSrv := &http.Server{
		Addr:              *listenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", *listenAddr).Str("backend", rt.Name()).Int64("max_inflight_bytes", maxBytes).Msg("Starting bertcore server")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
