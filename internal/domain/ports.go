package domain

import (
	"context"
	"time"
)

// PaymentProvider описывает внешний платёжный провайдер.
type PaymentProvider interface {
	// Charge списывает сумму счёта со счёта клиента.
	// false означает отказ провайдера (например, недостаточно средств).
	Charge(ctx context.Context, invoice Invoice) (bool, error)
}

// InvoiceStore — порт хранилища, которым пользуются оркестратор и диспетчер DLQ.
type InvoiceStore interface {
	// FetchPendingBatch возвращает до limit счетов в статусе PENDING.
	FetchPendingBatch(ctx context.Context, limit int) ([]Invoice, error)
	// ClaimPending переводит в IN_PROGRESS те счета из ids, которые всё ещё
	// в PENDING, и возвращает только их.
	ClaimPending(ctx context.Context, ids []int64) ([]Invoice, error)
	// Touch обновляет updated_at счёта IN_PROGRESS перед списанием.
	// ErrStatusConflict означает, что счёт больше не принадлежит вызывающему.
	Touch(ctx context.Context, id int64) error
	// SetStatuses переводит набор счетов в указанный статус одним обновлением.
	// Переход проверяется по InvoiceStatus.Predecessor: если хотя бы один счёт
	// в другом статусе, ничего не меняется и возвращается ErrStatusConflict.
	SetStatuses(ctx context.Context, ids []int64, status InvoiceStatus) error
	// SetStatus переводит один счёт в указанный статус с той же проверкой.
	SetStatus(ctx context.Context, id int64, status InvoiceStatus) error
	// RecordFailure атомарно переводит счёт IN_PROGRESS в status и добавляет
	// запись в DLQ. Для счёта в другом статусе возвращает ErrStatusConflict.
	RecordFailure(ctx context.Context, id int64, status InvoiceStatus, reason FailureReason) (InvoiceDLQ, error)
	// FetchUnhandledDLQBatch возвращает до limit необработанных записей DLQ.
	FetchUnhandledDLQBatch(ctx context.Context, limit int) ([]InvoiceDLQ, error)
	// MarkHandled помечает записи DLQ обработанными.
	MarkHandled(ctx context.Context, ids []int64) error
}

// InvoiceRepository читает и сопровождает счета за пределами цикла списания.
type InvoiceRepository interface {
	InvoiceStore

	// Get возвращает счёт или ErrInvoiceNotFound.
	Get(ctx context.Context, id int64) (Invoice, error)
	// List возвращает все счета по возрастанию id.
	List(ctx context.Context) ([]Invoice, error)
	// Create сохраняет новый счёт и возвращает его с присвоенным id.
	Create(ctx context.Context, customerID int64, amount Money, status InvoiceStatus) (Invoice, error)
	// ReclaimStale возвращает в PENDING до limit счетов, застрявших
	// в IN_PROGRESS с момента before и раньше.
	ReclaimStale(ctx context.Context, before time.Time, limit int) (int, error)
}

// DLQRepository читает и сопровождает записи DLQ.
type DLQRepository interface {
	// ListDLQ возвращает записи DLQ; reason="" означает все причины.
	ListDLQ(ctx context.Context, reason FailureReason) ([]InvoiceDLQ, error)
	// Requeue сбрасывает флаг обработки у записей с указанной причиной.
	Requeue(ctx context.Context, reason FailureReason) (int, error)
}

// CustomerRepository хранит клиентов.
type CustomerRepository interface {
	GetCustomer(ctx context.Context, id int64) (Customer, error)
	ListCustomers(ctx context.Context) ([]Customer, error)
	CreateCustomer(ctx context.Context, currency Currency) (Customer, error)
}

// InvoiceIssuer выставляет повторный счёт на следующий цикл.
type InvoiceIssuer interface {
	// Reissue создаёт один PENDING-счёт на каждый исходный. Повторный вызов
	// возвращает уже выставленный счёт.
	Reissue(ctx context.Context, invoiceID int64) (Invoice, error)
}

// RemediationKind — тип действия по устранению последствий неуспешного списания.
type RemediationKind string

const (
	RemediationOperationalAlert RemediationKind = "alert.operational"
	RemediationOperatorAlert    RemediationKind = "alert.operator"
	RemediationDunningStarted   RemediationKind = "dunning.started"
	RemediationInvoiceReissued  RemediationKind = "invoice.reissued"
)

// Remediation описывает событие, которое публикуют обработчики DLQ.
type Remediation struct {
	Kind          RemediationKind
	DLQID         int64
	InvoiceID     int64
	FailureReason FailureReason
	Message       string
	Metadata      map[string]string
}

// RemediationPublisher доставляет события обработчиков (алерты, dunning).
type RemediationPublisher interface {
	Publish(ctx context.Context, remediation Remediation) error
}
