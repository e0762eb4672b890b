package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics содержит метрики конвейеров списания и DLQ.
type BillingMetrics struct {
	// Захват аренды
	leaseAcquisitions *prometheus.CounterVec

	// Конвейер списания
	invoicesClaimed  prometheus.Counter
	invoicesSettled  *prometheus.CounterVec
	chargeAttempts   *prometheus.CounterVec
	settleDuration   prometheus.Histogram
	invoicesReverted prometheus.Counter
	ownershipLost    prometheus.Counter
	persistErrors    prometheus.Counter

	// Конвейер DLQ
	dlqClaimed    prometheus.Counter
	dlqDispatched *prometheus.CounterVec
	drainDuration prometheus.Histogram

	// Gauge активных прогонов по конвейерам
	activeRuns *prometheus.GaugeVec
}

// NewBillingMetrics создаёт метрики в реестре по умолчанию.
func NewBillingMetrics() *BillingMetrics {
	return NewBillingMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewBillingMetricsWithRegisterer создаёт метрики в указанном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewBillingMetricsWithRegisterer(registerer prometheus.Registerer) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &BillingMetrics{
		leaseAcquisitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "billing_lease_acquisitions_total",
			Help: "Lease acquisition outcomes grouped by key and result",
		}, []string{"key", "result"}),
		invoicesClaimed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "billing_invoices_claimed_total",
			Help: "Total number of invoices moved from PENDING to IN_PROGRESS",
		}),
		invoicesSettled: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "billing_invoices_settled_total",
			Help: "Settled invoices grouped by final status and failure reason",
		}, []string{"status", "reason"}),
		chargeAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "billing_charge_attempts_total",
			Help: "Payment provider calls grouped by result",
		}, []string{"result"}),
		settleDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "billing_settle_duration_seconds",
			Help:    "Duration of a full settlement drain in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
		invoicesReverted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "billing_invoices_reverted_total",
			Help: "Claimed invoices returned to PENDING before charging",
		}),
		ownershipLost: registerCounter(registerer, prometheus.CounterOpts{
			Name: "billing_invoices_ownership_lost_total",
			Help: "Claimed invoices skipped because another instance took them over",
		}),
		persistErrors: registerCounter(registerer, prometheus.CounterOpts{
			Name: "billing_invoices_persist_errors_total",
			Help: "Invoices left IN_PROGRESS because their state could not be written",
		}),
		dlqClaimed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "billing_dlq_claimed_total",
			Help: "Total number of DLQ entries marked handled",
		}),
		dlqDispatched: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "billing_dlq_dispatched_total",
			Help: "DLQ handler invocations grouped by reason and result",
		}, []string{"reason", "result"}),
		drainDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "billing_dlq_drain_duration_seconds",
			Help:    "Duration of a full DLQ drain in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		activeRuns: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "billing_active_runs",
			Help: "Number of currently running drain loops per pipeline",
		}, []string{"pipeline"}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGaugeVec(registerer prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	collector := prometheus.NewGaugeVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.GaugeVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordLeaseAcquisition учитывает результат захвата аренды.
func (m *BillingMetrics) RecordLeaseAcquisition(key string, err error) {
	result := "acquired"
	if err != nil {
		result = "failed"
	}
	m.leaseAcquisitions.WithLabelValues(key, result).Inc()
}

// RecordClaimed учитывает счета, захваченные в работу.
func (m *BillingMetrics) RecordClaimed(n int) {
	m.invoicesClaimed.Add(float64(n))
}

// RecordSettled учитывает финальный статус счёта. reason пуст для PAID.
func (m *BillingMetrics) RecordSettled(status, reason string) {
	m.invoicesSettled.WithLabelValues(status, reason).Inc()
}

// RecordChargeAttempt учитывает один вызов провайдера.
func (m *BillingMetrics) RecordChargeAttempt(result string) {
	m.chargeAttempts.WithLabelValues(result).Inc()
}

// RecordReverted учитывает счета, возвращённые в PENDING.
func (m *BillingMetrics) RecordReverted(n int) {
	m.invoicesReverted.Add(float64(n))
}

// RecordOwnershipLost учитывает счёт, который забрал другой экземпляр.
func (m *BillingMetrics) RecordOwnershipLost() {
	m.ownershipLost.Inc()
}

// RecordPersistError учитывает счёт, состояние которого не удалось записать.
func (m *BillingMetrics) RecordPersistError() {
	m.persistErrors.Inc()
}

// RecordSettleDuration записывает длительность прогона списания.
func (m *BillingMetrics) RecordSettleDuration(duration time.Duration) {
	m.settleDuration.Observe(duration.Seconds())
}

// RecordDLQClaimed учитывает записи DLQ, помеченные обработанными.
func (m *BillingMetrics) RecordDLQClaimed(n int) {
	m.dlqClaimed.Add(float64(n))
}

// RecordDLQDispatched учитывает вызов обработчика DLQ.
func (m *BillingMetrics) RecordDLQDispatched(reason, result string) {
	m.dlqDispatched.WithLabelValues(reason, result).Inc()
}

// RecordDrainDuration записывает длительность прогона DLQ.
func (m *BillingMetrics) RecordDrainDuration(duration time.Duration) {
	m.drainDuration.Observe(duration.Seconds())
}

// RunStarted увеличивает количество активных прогонов конвейера.
func (m *BillingMetrics) RunStarted(pipeline string) {
	m.activeRuns.WithLabelValues(pipeline).Inc()
}

// RunFinished уменьшает количество активных прогонов конвейера.
func (m *BillingMetrics) RunFinished(pipeline string) {
	m.activeRuns.WithLabelValues(pipeline).Dec()
}
