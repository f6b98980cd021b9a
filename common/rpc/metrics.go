package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	questionsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vatrpc",
		Name:      "questions_sent_total",
		Help:      "Questions sent to the peer, by kind.",
	}, []string{"kind"})
	returnsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vatrpc",
		Name:      "returns_received_total",
		Help:      "Returns received for our questions, by outcome.",
	}, []string{"outcome"})
	callsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vatrpc",
		Name:      "questions_received_total",
		Help:      "Questions received from the peer, by kind.",
	}, []string{"kind"})
	sessionsTerminated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vatrpc",
		Name:      "sessions_terminated_total",
		Help:      "Sessions that ended, for any reason.",
	})
	questionsOutstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vatrpc",
		Name:      "questions_outstanding",
		Help:      "Questions awaiting a Return.",
	})
)

// RegisterMetrics adds the rpc collectors to r. Registering twice is not an
// error.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		questionsSent,
		returnsReceived,
		callsReceived,
		sessionsTerminated,
		questionsOutstanding,
	} {
		if err := r.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
