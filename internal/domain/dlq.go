package domain

import (
	"fmt"
	"strings"
	"time"
)

// FailureReason — причина, по которой счёт попал в DLQ.
type FailureReason string

const (
	FailureNetwork           FailureReason = "NETWORK_FAILURE"
	FailureCurrencyMismatch  FailureReason = "CURRENCY_MISMATCH"
	FailureCustomerNotFound  FailureReason = "CUSTOMER_NOT_FOUND"
	FailureInsufficientFunds FailureReason = "INSUFFICIENT_FUNDS"
	FailureUnknown           FailureReason = "UNKNOWN"
)

// FailureReasons возвращает все причины. Реестр обработчиков обязан
// покрывать каждую из них ровно одним обработчиком.
func FailureReasons() []FailureReason {
	return []FailureReason{
		FailureNetwork,
		FailureCurrencyMismatch,
		FailureCustomerNotFound,
		FailureInsufficientFunds,
		FailureUnknown,
	}
}

// ParseFailureReason разбирает причину без учёта регистра.
func ParseFailureReason(raw string) (FailureReason, error) {
	candidate := FailureReason(strings.ToUpper(strings.TrimSpace(raw)))
	for _, reason := range FailureReasons() {
		if reason == candidate {
			return reason, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFailureReason, raw)
}

// InvoiceDLQ хранит запись о неуспешной попытке списания.
type InvoiceDLQ struct {
	ID            int64         `json:"id"`
	InvoiceID     int64         `json:"invoiceId"`
	FailureReason FailureReason `json:"failureReason"`
	IsHandled     bool          `json:"isHandled"`
	CreatedAt     time.Time     `json:"createdAt"`
}
