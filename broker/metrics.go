package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the RPC layer. A nil *Metrics
// records nothing.
type Metrics struct {
	CallsTotal          *prometheus.CounterVec
	CallDuration        *prometheus.HistogramVec
	SendAttemptsTotal   *prometheus.CounterVec
	UnmatchedReplies    prometheus.Counter
	PendingCalls        prometheus.Gauge
	TasksTotal          *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	ReplyPublishFailed  prometheus.Counter
	SessionsEstablished *prometheus.CounterVec
}

// NewMetrics registers the collectors with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	f := promauto.With(registerer)

	// training runs take minutes to hours
	taskBuckets := prometheus.ExponentialBuckets(0.5, 2, 16)

	return &Metrics{
		CallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tattoo_rpc_calls_total",
				Help: "RPC calls issued by the client, by task and outcome",
			},
			[]string{"task", "outcome"}, // outcome: ok, task_error, transport_error, aborted
		),
		CallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tattoo_rpc_call_duration_seconds",
				Help:    "Time from first send attempt to reply",
				Buckets: taskBuckets,
			},
			[]string{"task"},
		),
		SendAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tattoo_rpc_send_attempts_total",
				Help: "Client send attempts by result",
			},
			[]string{"result"},
		),
		UnmatchedReplies: f.NewCounter(prometheus.CounterOpts{
			Name: "tattoo_rpc_unmatched_replies_total",
			Help: "Replies dropped because no call was waiting for their correlation id",
		}),
		PendingCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "tattoo_rpc_pending_calls",
			Help: "Calls currently waiting for a reply",
		}),
		TasksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tattoo_worker_tasks_total",
				Help: "Tasks processed by the worker, by task and outcome",
			},
			[]string{"task", "outcome"}, // outcome: ok, error
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tattoo_worker_task_duration_seconds",
				Help:    "Handler execution time",
				Buckets: taskBuckets,
			},
			[]string{"task"},
		),
		ReplyPublishFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "tattoo_worker_reply_publish_failures_total",
			Help: "Replies that could not be published after every attempt",
		}),
		SessionsEstablished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tattoo_broker_sessions_total",
				Help: "Broker sessions established, by role",
			},
			[]string{"role"},
		),
	}
}

func (m *Metrics) observeCall(task TaskKind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(string(task), outcome).Inc()
	m.CallDuration.WithLabelValues(string(task)).Observe(d.Seconds())
}

func (m *Metrics) sendAttempt(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SendAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) unmatchedReply() {
	if m == nil {
		return
	}
	m.UnmatchedReplies.Inc()
}

func (m *Metrics) pendingDelta(n float64) {
	if m == nil {
		return
	}
	m.PendingCalls.Add(n)
}

func (m *Metrics) observeTask(task TaskKind, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.TasksTotal.WithLabelValues(string(task), outcome).Inc()
	m.TaskDuration.WithLabelValues(string(task)).Observe(d.Seconds())
}

func (m *Metrics) replyPublishFailed() {
	if m == nil {
		return
	}
	m.ReplyPublishFailed.Inc()
}

func (m *Metrics) sessionEstablished(role string) {
	if m == nil {
		return
	}
	m.SessionsEstablished.WithLabelValues(role).Inc()
}
