package main

import (
	"errors"
	"fmt"
)

// Precondition failures. These are checked before any network call is made.
var (
	ErrWalletNotConfigured = errors.New("wallet not set up yet")
	ErrTokenNotConfigured  = errors.New("token not set up yet")
	ErrNothingToSell       = errors.New("you don't have any tokens to sell")
	ErrZeroAmount          = errors.New("amount must be greater than zero")
	ErrInsufficientBalance = errors.New("not enough SOL to buy this amount")
)

// InputError is returned when free text or a callback payload fails validation. The conversation
// step is left untouched so the user can simply try again.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AggregatorError carries whatever the swap API told us about a rejected request.
type AggregatorError struct {
	Op      string
	Status  int
	Message string
}

func (e *AggregatorError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("aggregator %s failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("aggregator %s failed (HTTP %d): %s", e.Op, e.Status, e.Message)
}

// TransactionFailedError is returned when finality is awaited and the network reports an execution
// error for the submitted signature.
type TransactionFailedError struct {
	Signature string
	Reason    string
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("transaction %s failed on chain: %s", Addr(e.Signature), e.Reason)
}
