package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отрицательной суммы счёта.
	ErrAmountNegative = errors.New("amount must be non-negative")
	// ErrInvoiceNotFound возвращается, если счёт не найден в хранилище.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrCustomerMissing возвращается, если клиент не найден в хранилище.
	ErrCustomerMissing = errors.New("customer not found in storage")
	// ErrStatusConflict возвращается, если текущий статус счёта не допускает
	// перехода: счёт уже забран или завершён другим экземпляром.
	ErrStatusConflict = errors.New("invoice status does not allow transition")
	// ErrDLQEntryNotFound возвращается, если запись DLQ не найдена.
	ErrDLQEntryNotFound = errors.New("invoice dlq entry not found")
	// ErrUnknownFailureReason — строка не соответствует ни одной причине.
	ErrUnknownFailureReason = errors.New("unknown failure reason")

	// ErrNetworkFailure — временная транспортная ошибка провайдера, можно повторить.
	ErrNetworkFailure = errors.New("payment provider network failure")
	// ErrCurrencyMismatch — валюта счёта не совпадает с валютой клиента у провайдера.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrCustomerNotFound — провайдер не знает клиента.
	ErrCustomerNotFound = errors.New("customer not found by payment provider")
)

// NetworkError описывает транспортный сбой при вызове провайдера.
type NetworkError struct {
	Cause error
}

func (e *NetworkError) Error() string {
	if e.Cause == nil {
		return ErrNetworkFailure.Error()
	}
	return fmt.Sprintf("%s: %v", ErrNetworkFailure, e.Cause)
}

func (e *NetworkError) Is(target error) bool { return target == ErrNetworkFailure }

func (e *NetworkError) Unwrap() error { return e.Cause }

// CurrencyMismatchError возвращается провайдером, если валюты не совпадают.
type CurrencyMismatchError struct {
	InvoiceID  int64
	CustomerID int64
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("currency of invoice %d does not match currency of customer %d", e.InvoiceID, e.CustomerID)
}

func (e *CurrencyMismatchError) Is(target error) bool { return target == ErrCurrencyMismatch }

// CustomerNotFoundError возвращается провайдером для неизвестного клиента.
type CustomerNotFoundError struct {
	CustomerID int64
}

func (e *CustomerNotFoundError) Error() string {
	return fmt.Sprintf("customer %d was not found", e.CustomerID)
}

func (e *CustomerNotFoundError) Is(target error) bool { return target == ErrCustomerNotFound }
