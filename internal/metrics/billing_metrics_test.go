package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestNewBillingMetricsWithRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewBillingMetricsWithRegisterer(reg)

	if metrics.leaseAcquisitions == nil || metrics.invoicesSettled == nil || metrics.dlqDispatched == nil {
		t.Fatal("collectors should not be nil")
	}

	// повторная регистрация возвращает существующие коллекторы
	again := NewBillingMetricsWithRegisterer(reg)
	if again.invoicesClaimed != metrics.invoicesClaimed {
		t.Fatal("expected existing counter on re-registration")
	}
	if again.invoicesSettled != metrics.invoicesSettled {
		t.Fatal("expected existing counter vec on re-registration")
	}
}

func TestBillingMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewBillingMetricsWithRegisterer(reg)

	metrics.RecordClaimed(3)
	metrics.RecordSettled("PAID", "")
	metrics.RecordSettled("FAILED", "NETWORK_FAILURE")
	metrics.RecordSettled("FAILED", "NETWORK_FAILURE")
	metrics.RecordLeaseAcquisition("billing-lock", nil)
	metrics.RecordLeaseAcquisition("billing-lock", errors.New("busy"))
	metrics.RecordDLQDispatched("UNKNOWN", "error")
	metrics.RecordSettleDuration(150 * time.Millisecond)
	metrics.RunStarted("billing")

	if got := counterValue(t, metrics.invoicesClaimed); got != 3 {
		t.Errorf("expected claimed 3, got %f", got)
	}
	if got := counterValue(t, metrics.invoicesSettled.WithLabelValues("FAILED", "NETWORK_FAILURE")); got != 2 {
		t.Errorf("expected 2 network failures, got %f", got)
	}
	if got := counterValue(t, metrics.leaseAcquisitions.WithLabelValues("billing-lock", "failed")); got != 1 {
		t.Errorf("expected 1 failed acquisition, got %f", got)
	}
	if got := counterValue(t, metrics.dlqDispatched.WithLabelValues("UNKNOWN", "error")); got != 1 {
		t.Errorf("expected 1 failed dispatch, got %f", got)
	}

	gauge := &dto.Metric{}
	if err := metrics.activeRuns.WithLabelValues("billing").Write(gauge); err != nil {
		t.Fatalf("failed to write gauge: %v", err)
	}
	if gauge.Gauge.GetValue() != 1 {
		t.Errorf("expected 1 active run, got %f", gauge.Gauge.GetValue())
	}
	metrics.RunFinished("billing")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	found := false
	for _, family := range families {
		if family.GetName() == "billing_settle_duration_seconds" {
			found = true
			if family.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected one histogram sample")
			}
		}
	}
	if !found {
		t.Fatal("settle duration histogram not gathered")
	}
}

func TestBillingMetrics_OwnershipAndPersistErrors(t *testing.T) {
	metrics := NewBillingMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordOwnershipLost()
	metrics.RecordPersistError()
	metrics.RecordPersistError()

	if got := counterValue(t, metrics.ownershipLost); got != 1 {
		t.Errorf("expected 1 lost invoice, got %f", got)
	}
	if got := counterValue(t, metrics.persistErrors); got != 2 {
		t.Errorf("expected 2 persist errors, got %f", got)
	}
}
