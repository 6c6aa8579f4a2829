package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aegisdx/deploymon/internal/logfields"
)

const metricNamespace = "deploymon_monitor"

const (
	runningSessionsMetricName = "running_sessions_count"
	statusPollsMetricName     = "status_polls_total"
	notificationsMetricName   = "sent_notifications_total"
	outcomesMetricName        = "session_outcomes_total"
)

const (
	pipelineLabel = "pipeline"
	resultLabel   = "result"
	kindLabel     = "kind"
	outcomeLabel  = "outcome"
)

type resultLabelVal string

const (
	resultLabelSuccessVal resultLabelVal = "success"
	resultLabelErrorVal   resultLabelVal = "error"
)

type metricCollector struct {
	logger          *zap.Logger
	runningSessions prometheus.Gauge
	statusPolls     *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		runningSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      runningSessionsMetricName,
				Help:      "count of currently running monitoring sessions",
			},
		),
		statusPolls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      statusPollsMetricName,
				Help:      "count of build status polls",
			},
			[]string{pipelineLabel, resultLabel},
		),
		notifications: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      notificationsMetricName,
				Help:      "count of sent deployment notifications",
			},
			[]string{pipelineLabel, kindLabel, resultLabel},
		),
		outcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      outcomesMetricName,
				Help:      "count of terminated monitoring sessions per outcome",
			},
			[]string{pipelineLabel, outcomeLabel},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func boolResultLabel(wasSuccessful bool) resultLabelVal {
	if wasSuccessful {
		return resultLabelSuccessVal
	}

	return resultLabelErrorVal
}

func (m *metricCollector) RunningSessionsInc() {
	m.runningSessions.Inc()
}

func (m *metricCollector) RunningSessionsDec() {
	m.runningSessions.Dec()
}

func (m *metricCollector) StatusPollsInc(pipeline string, wasSuccessful bool) {
	cnt, err := m.statusPolls.GetMetricWith(prometheus.Labels{
		pipelineLabel: pipeline,
		resultLabel:   string(boolResultLabel(wasSuccessful)),
	})
	if err != nil {
		m.logGetMetricFailed(statusPollsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) NotificationsInc(pipeline, kind string, wasSuccessful bool) {
	cnt, err := m.notifications.GetMetricWith(prometheus.Labels{
		pipelineLabel: pipeline,
		kindLabel:     kind,
		resultLabel:   string(boolResultLabel(wasSuccessful)),
	})
	if err != nil {
		m.logGetMetricFailed(notificationsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) OutcomesInc(pipeline string, outcome Outcome) {
	cnt, err := m.outcomes.GetMetricWith(prometheus.Labels{
		pipelineLabel: pipeline,
		outcomeLabel:  outcome.String(),
	})
	if err != nil {
		m.logGetMetricFailed(outcomesMetricName, err)
		return
	}

	cnt.Inc()
}
