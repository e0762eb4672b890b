// Package api реализует REST-интерфейс биллинга (/rest/v1).
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/service/billing"
	"github.com/vladislavdragonenkov/billing/internal/service/dlq"
)

// Settler запускает цикл списания.
type Settler interface {
	SettleInvoices(ctx context.Context) (billing.Report, error)
}

// Drainer разбирает DLQ.
type Drainer interface {
	DrainFailedPayments(ctx context.Context) (dlq.DrainReport, error)
}

// Handler обслуживает REST-запросы.
type Handler struct {
	invoices   domain.InvoiceRepository
	customers  domain.CustomerRepository
	dlqEntries domain.DLQRepository
	settler    Settler
	drainer    Drainer
	logger     *log.Entry
}

// Deps содержит зависимости Handler.
type Deps struct {
	Invoices  domain.InvoiceRepository
	Customers domain.CustomerRepository
	DLQ       domain.DLQRepository
	Settler   Settler
	Drainer   Drainer
	Logger    *log.Entry
}

// NewHandler создаёт Handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "rest-api")
	}
	return &Handler{
		invoices:   deps.Invoices,
		customers:  deps.Customers,
		dlqEntries: deps.DLQ,
		settler:    deps.Settler,
		drainer:    deps.Drainer,
		logger:     logger,
	}
}

type settleResponse struct {
	Batches       int                          `json:"batches"`
	Claimed       int                          `json:"claimed"`
	Paid          int                          `json:"paid"`
	Failed        map[domain.FailureReason]int `json:"failed"`
	Reverted      int                          `json:"reverted"`
	Lost          int                          `json:"lost"`
	PersistErrors int                          `json:"persistErrors"`
}

type drainResponse struct {
	Batches       int `json:"batches"`
	Claimed       int `json:"claimed"`
	Handled       int `json:"handled"`
	HandlerErrors int `json:"handlerErrors"`
}

type requeueResponse struct {
	FailureReason domain.FailureReason `json:"failureReason"`
	Requeued      int                  `json:"requeued"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := mapDomainError(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeError(w, r, status, code, err.Error())
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_id", name+" must be an integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, true)
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.invoices.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if invoices == nil {
		invoices = []domain.Invoice{}
	}
	writeJSON(w, http.StatusOK, invoices)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	invoice, err := h.invoices.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

func (h *Handler) listCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.customers.ListCustomers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if customers == nil {
		customers = []domain.Customer{}
	}
	writeJSON(w, http.StatusOK, customers)
}

func (h *Handler) getCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	customer, err := h.customers.GetCustomer(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

// listDLQ отдаёт записи DLQ; failureReason фильтрует по причине.
func (h *Handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	var reason domain.FailureReason
	if raw := r.URL.Query().Get("failureReason"); raw != "" {
		parsed, err := domain.ParseFailureReason(raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		reason = parsed
	}

	entries, err := h.dlqEntries.ListDLQ(r.Context(), reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.InvoiceDLQ{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) requeueDLQ(w http.ResponseWriter, r *http.Request) {
	reason, err := domain.ParseFailureReason(r.URL.Query().Get("failureReason"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.dlqEntries.Requeue(r.Context(), reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.WithFields(log.Fields{"failure_reason": reason, "requeued": n}).Info("dlq entries requeued")
	writeJSON(w, http.StatusOK, requeueResponse{FailureReason: reason, Requeued: n})
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request) {
	report, err := h.settler.SettleInvoices(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	failed := report.Failed
	if failed == nil {
		failed = map[domain.FailureReason]int{}
	}
	writeJSON(w, http.StatusOK, settleResponse{
		Batches:       report.Batches,
		Claimed:       report.Claimed,
		Paid:          report.Paid,
		Failed:        failed,
		Reverted:      report.Reverted,
		Lost:          report.Lost,
		PersistErrors: report.PersistErrors,
	})
}

func (h *Handler) drain(w http.ResponseWriter, r *http.Request) {
	report, err := h.drainer.DrainFailedPayments(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drainResponse{
		Batches:       report.Batches,
		Claimed:       report.Claimed,
		Handled:       report.Handled,
		HandlerErrors: report.HandlerErr,
	})
}
