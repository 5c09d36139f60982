// Package callback models the result sink a caller supplies to receive
// exactly one notification per drain or direct-send invocation. Source
// implementations parcelize this across process boundaries; here it is
// just a plain interface, leaving any serialization to the caller.
package callback

import "github.com/kevdoran/nifi-android-s2s/transaction"

// ResultSink receives the outcome of one transaction or one queued
// operation. Implementations must not block for long, since drain and send
// both call into the sink synchronously before returning.
type ResultSink interface {
	// OnTransactionResult is invoked once by a direct (non-queued) send
	// with the transaction's Result on success, or a non-nil err and a
	// nil result on failure.
	OnTransactionResult(result *transaction.Result, err error)

	// OnQueuedOperationResult is invoked once per drain invocation: nil
	// on success (including an empty-queue no-op drain), non-nil on any
	// failure.
	OnQueuedOperationResult(err error)
}

// Func adapts two plain functions into a ResultSink, convenient for tests
// and simple callers that don't need a full implementation.
type Func struct {
	Transaction func(result *transaction.Result, err error)
	Queued      func(err error)
}

func (f Func) OnTransactionResult(result *transaction.Result, err error) {
	if f.Transaction != nil {
		f.Transaction(result, err)
	}
}

func (f Func) OnQueuedOperationResult(err error) {
	if f.Queued != nil {
		f.Queued(err)
	}
}
