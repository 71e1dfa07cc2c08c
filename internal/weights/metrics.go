package weights

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	convertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bertcore_weights_converted_total",
		Help: "Total number of weight buffers materialized on the host",
	}, []string{"from", "to"})

	convertedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bertcore_weights_converted_bytes_total",
		Help: "Total bytes of host weight buffers materialized",
	})
)
