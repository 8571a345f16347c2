package peering

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var probesPerformed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jibun_peer_probes_total",
	Help: "Number of peer classification probes performed",
})

var probesUnknown = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jibun_peer_probes_unknown",
	Help: "Number of probes that ended in an UNKNOWN classification",
})

var revokesSent = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jibun_peer_revokes_sent",
	Help: "Number of outbound revoke handshakes attempted",
})

var revokesFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jibun_peer_revokes_failed",
	Help: "Number of outbound revoke handshakes that failed or were rejected",
})

var aggregationMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "jibun_peer_aggregation_misses",
	Help: "Number of peers skipped during stats aggregation",
})
