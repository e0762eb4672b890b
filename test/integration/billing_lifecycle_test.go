package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/lock"
	"github.com/vladislavdragonenkov/billing/internal/metrics"
	"github.com/vladislavdragonenkov/billing/internal/service/billing"
	"github.com/vladislavdragonenkov/billing/internal/service/dlq"
	"github.com/vladislavdragonenkov/billing/internal/service/reclaim"
	"github.com/vladislavdragonenkov/billing/internal/storage/memory"
)

// scriptedProvider отвечает по заранее заданному сценарию для каждого клиента.
type scriptedProvider struct {
	mu       sync.Mutex
	outcomes map[int64]func(domain.Invoice) (bool, error)
	calls    map[int64]int
}

func (p *scriptedProvider) Charge(_ context.Context, invoice domain.Invoice) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[invoice.ID]++
	if outcome, ok := p.outcomes[invoice.CustomerID]; ok {
		return outcome(invoice)
	}
	return true, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Remediation
}

func (p *recordingPublisher) Publish(_ context.Context, r domain.Remediation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, r)
	return nil
}

func (p *recordingPublisher) kinds() map[domain.RemediationKind]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[domain.RemediationKind]int)
	for _, e := range p.events {
		out[e.Kind]++
	}
	return out
}

// BillingLifecycleTestSuite прогоняет полный цикл: списание, DLQ, повторный счёт.
type BillingLifecycleTestSuite struct {
	suite.Suite

	store      *memory.Store
	provider   *scriptedProvider
	publisher  *recordingPublisher
	billing    *billing.Service
	dispatcher *dlq.Dispatcher
	reclaimer  *reclaim.Worker

	paying, broke, flaky, foreign domain.Customer
}

func (s *BillingLifecycleTestSuite) SetupTest() {
	ctx := context.Background()
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "integration-test")

	s.store = memory.NewStore()
	s.publisher = &recordingPublisher{}

	var err error
	s.paying, err = s.store.CreateCustomer(ctx, domain.CurrencyEUR)
	s.Require().NoError(err)
	s.broke, err = s.store.CreateCustomer(ctx, domain.CurrencyEUR)
	s.Require().NoError(err)
	s.flaky, err = s.store.CreateCustomer(ctx, domain.CurrencyUSD)
	s.Require().NoError(err)
	s.foreign, err = s.store.CreateCustomer(ctx, domain.CurrencyDKK)
	s.Require().NoError(err)

	s.provider = &scriptedProvider{
		calls: make(map[int64]int),
		outcomes: map[int64]func(domain.Invoice) (bool, error){
			s.broke.ID: func(domain.Invoice) (bool, error) { return false, nil },
			s.flaky.ID: func(domain.Invoice) (bool, error) {
				return false, &domain.NetworkError{Cause: errors.New("connection reset by peer")}
			},
			s.foreign.ID: func(inv domain.Invoice) (bool, error) {
				return false, &domain.CurrencyMismatchError{InvoiceID: inv.ID, CustomerID: inv.CustomerID}
			},
		},
	}

	locker := lock.NewLocker(memory.NewLeaseStore(), lock.WithLogger(logger))
	m := metrics.NewBillingMetricsWithRegisterer(prometheus.NewRegistry())

	billingCfg := billing.DefaultConfig()
	billingCfg.BatchSize = 2
	billingCfg.Retry.InitialDelay = time.Millisecond
	billingCfg.Retry.MaxDelay = time.Millisecond
	s.billing = billing.NewService(s.store, s.provider, locker, billingCfg,
		billing.WithLogger(logger), billing.WithMetrics(m))

	registry, err := dlq.NewRegistry(dlq.DefaultHandlers(s.store, s.publisher, logger)...)
	s.Require().NoError(err)
	dlqCfg := dlq.DefaultConfig()
	dlqCfg.BatchSize = 2
	s.dispatcher = dlq.NewDispatcher(s.store, registry, locker, dlqCfg,
		dlq.WithLogger(logger), dlq.WithMetrics(m))

	s.reclaimer = reclaim.NewWorker(s.store, locker, reclaim.WithLogger(logger), reclaim.WithBatchSize(2))
}

func (s *BillingLifecycleTestSuite) invoice(customer domain.Customer, amount string) domain.Invoice {
	money, err := domain.NewMoney(amount, customer.Currency)
	s.Require().NoError(err)
	inv, err := s.store.Create(context.Background(), customer.ID, money, domain.InvoiceStatusPending)
	s.Require().NoError(err)
	return inv
}

func (s *BillingLifecycleTestSuite) status(id int64) domain.InvoiceStatus {
	inv, err := s.store.Get(context.Background(), id)
	s.Require().NoError(err)
	return inv.Status
}

func (s *BillingLifecycleTestSuite) TestSettleClassifiesEveryOutcome() {
	ctx := context.Background()

	paid := s.invoice(s.paying, "10.00")
	declined := s.invoice(s.broke, "20.00")
	network := s.invoice(s.flaky, "30.00")
	mismatch := s.invoice(s.foreign, "40.00")

	report, err := s.billing.SettleInvoices(ctx)
	s.Require().NoError(err)

	s.Equal(4, report.Claimed)
	s.Equal(1, report.Paid)
	s.Equal(3, report.FailedTotal())
	s.Equal(0, report.Reverted)

	s.Equal(domain.InvoiceStatusPaid, s.status(paid.ID))
	s.Equal(domain.InvoiceStatusFailed, s.status(declined.ID))
	s.Equal(domain.InvoiceStatusFailed, s.status(network.ID))
	s.Equal(domain.InvoiceStatusFailed, s.status(mismatch.ID))

	s.Equal(3, s.provider.calls[network.ID], "network failures are retried")
	s.Equal(1, s.provider.calls[mismatch.ID], "currency mismatch is not retried")

	entries, err := s.store.ListDLQ(ctx, "")
	s.Require().NoError(err)
	s.Len(entries, 3)

	again, err := s.billing.SettleInvoices(ctx)
	s.Require().NoError(err)
	s.Equal(0, again.Claimed, "terminal invoices are never charged again")
}

func (s *BillingLifecycleTestSuite) TestDrainReissuesDeclinedInvoices() {
	ctx := context.Background()

	declined := s.invoice(s.broke, "25.50")
	s.invoice(s.flaky, "5.00")

	_, err := s.billing.SettleInvoices(ctx)
	s.Require().NoError(err)

	report, err := s.dispatcher.DrainFailedPayments(ctx)
	s.Require().NoError(err)
	s.Equal(2, report.Claimed)
	s.Equal(2, report.Handled)
	s.Equal(0, report.HandlerErr)

	invoices, err := s.store.List(ctx)
	s.Require().NoError(err)

	var reissued []domain.Invoice
	for _, inv := range invoices {
		if inv.ID != declined.ID && inv.CustomerID == s.broke.ID {
			reissued = append(reissued, inv)
		}
	}
	s.Require().Len(reissued, 1)
	s.Equal(domain.InvoiceStatusPending, reissued[0].Status)
	s.True(reissued[0].Amount.Value.Equal(declined.Amount.Value))

	kinds := s.publisher.kinds()
	s.Equal(1, kinds[domain.RemediationInvoiceReissued])
	s.Equal(1, kinds[domain.RemediationDunningStarted])
	s.Equal(1, kinds[domain.RemediationOperationalAlert])

	drained, err := s.dispatcher.DrainFailedPayments(ctx)
	s.Require().NoError(err)
	s.Equal(0, drained.Claimed, "handled entries are not dispatched twice")

	requeued, err := s.store.Requeue(ctx, domain.FailureNetwork)
	s.Require().NoError(err)
	s.Equal(1, requeued)

	replay, err := s.dispatcher.DrainFailedPayments(ctx)
	s.Require().NoError(err)
	s.Equal(1, replay.Claimed)
	s.Equal(2, s.publisher.kinds()[domain.RemediationOperationalAlert])
}

func (s *BillingLifecycleTestSuite) TestRequeuedDeclineKeepsSingleFollowUpInvoice() {
	ctx := context.Background()

	declined := s.invoice(s.broke, "9.90")

	_, err := s.billing.SettleInvoices(ctx)
	s.Require().NoError(err)
	_, err = s.dispatcher.DrainFailedPayments(ctx)
	s.Require().NoError(err)

	requeued, err := s.store.Requeue(ctx, domain.FailureInsufficientFunds)
	s.Require().NoError(err)
	s.Equal(1, requeued)

	replay, err := s.dispatcher.DrainFailedPayments(ctx)
	s.Require().NoError(err)
	s.Equal(1, replay.Handled)

	again, err := s.dispatcher.DrainFailedPayments(ctx)
	s.Require().NoError(err)
	s.Equal(0, again.Claimed)

	invoices, err := s.store.List(ctx)
	s.Require().NoError(err)
	followUps := 0
	for _, inv := range invoices {
		if inv.ReissuedFrom == declined.ID {
			followUps++
		}
	}
	s.Equal(1, followUps, "replayed decline must not issue a second invoice")
}

func (s *BillingLifecycleTestSuite) TestReclaimReturnsStuckInvoicesToPending() {
	ctx := context.Background()

	stuck := s.invoice(s.paying, "12.00")
	s.Require().NoError(s.store.SetStatus(ctx, stuck.ID, domain.InvoiceStatusInProgress))

	n, err := s.reclaimer.Reclaim(ctx, time.Now().UTC().Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(domain.InvoiceStatusPending, s.status(stuck.ID))

	report, err := s.billing.SettleInvoices(ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Paid)
	s.Equal(domain.InvoiceStatusPaid, s.status(stuck.ID))
}

func TestBillingLifecycle(t *testing.T) {
	suite.Run(t, new(BillingLifecycleTestSuite))
}
