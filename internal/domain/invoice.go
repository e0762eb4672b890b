package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Currency — трёхбуквенный код валюты.
type Currency string

const (
	CurrencyEUR Currency = "EUR"
	CurrencyUSD Currency = "USD"
	CurrencyDKK Currency = "DKK"
	CurrencySEK Currency = "SEK"
	CurrencyGBP Currency = "GBP"
)

// Currencies возвращает поддерживаемые валюты.
func Currencies() []Currency {
	return []Currency{CurrencyEUR, CurrencyUSD, CurrencyDKK, CurrencySEK, CurrencyGBP}
}

// Money — сумма в десятичном виде и валюта.
type Money struct {
	Value    decimal.Decimal `json:"value"`
	Currency Currency        `json:"currency"`
}

// NewMoney создаёт сумму из строки, например "10.50".
func NewMoney(value string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", value, err)
	}
	if d.IsNegative() {
		return Money{}, ErrAmountNegative
	}
	if currency == "" {
		return Money{}, ErrCurrencyRequired
	}
	return Money{Value: d, Currency: currency}, nil
}

// String форматирует сумму как "10.50 EUR".
func (m Money) String() string {
	return m.Value.StringFixed(2) + " " + string(m.Currency)
}

// InvoiceStatus описывает жизненный цикл счёта.
type InvoiceStatus string

const (
	// InvoiceStatusPending — счёт выставлен и ждёт списания.
	InvoiceStatusPending InvoiceStatus = "PENDING"
	// InvoiceStatusInProgress — счёт захвачен одним из экземпляров для списания.
	InvoiceStatusInProgress InvoiceStatus = "IN_PROGRESS"
	// InvoiceStatusPaid — провайдер подтвердил списание.
	InvoiceStatusPaid InvoiceStatus = "PAID"
	// InvoiceStatusFailed — списание завершилось неудачей, есть запись в DLQ.
	InvoiceStatusFailed InvoiceStatus = "FAILED"
)

// IsTerminal сообщает, завершён ли цикл списания для счёта.
func (s InvoiceStatus) IsTerminal() bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusFailed
}

// Valid проверяет, что статус известен.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusPending, InvoiceStatusInProgress, InvoiceStatusPaid, InvoiceStatusFailed:
		return true
	default:
		return false
	}
}

// Predecessor возвращает статус, из которого разрешён переход в s.
// PENDING достижим только возвратом захваченного счёта.
func (s InvoiceStatus) Predecessor() (InvoiceStatus, bool) {
	switch s {
	case InvoiceStatusInProgress:
		return InvoiceStatusPending, true
	case InvoiceStatusPaid, InvoiceStatusFailed, InvoiceStatusPending:
		return InvoiceStatusInProgress, true
	default:
		return "", false
	}
}

// CanTransitionTo сообщает, разрешён ли переход из s в next.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	from, ok := next.Predecessor()
	return ok && from == s
}

// Invoice описывает счёт клиента.
type Invoice struct {
	ID         int64         `json:"id"`
	CustomerID int64         `json:"customerId"`
	Amount     Money         `json:"amount"`
	Status     InvoiceStatus `json:"status"`
	// ReissuedFrom указывает на исходный счёт повторного выставления; 0, если его нет.
	ReissuedFrom int64     `json:"reissuedFrom,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Customer описывает клиента, которому выставляются счета.
type Customer struct {
	ID       int64    `json:"id"`
	Currency Currency `json:"currency"`
}
