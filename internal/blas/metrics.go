package blas

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gemmCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bertcore_gemm_calls_total",
		Help: "Total number of GEMM dispatches by precision and entry point",
	}, []string{"precision", "kind"})

	gemmBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bertcore_gemm_batches_total",
		Help: "Total number of matrix products issued through strided batched calls",
	}, []string{"precision"})

	gemmDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bertcore_gemm_duration_seconds",
		Help:    "Wall time of CPU engine GEMM calls",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"precision"})
)
