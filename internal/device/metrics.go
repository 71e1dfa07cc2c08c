package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bertcore_device_allocations_total",
		Help: "Total number of device buffers allocated",
	})

	allocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bertcore_device_allocated_bytes",
		Help: "Current bytes held by live device buffers",
	})

	copies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bertcore_device_copies_total",
		Help: "Total number of synchronous device copies by direction",
	}, []string{"kind"})
)
