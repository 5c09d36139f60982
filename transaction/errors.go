package transaction

import "fmt"

// Response codes the client may emit when ending a transaction. The full
// NiFi S2S response code table is larger; these three are the only ones
// this client ever sends.
const (
	ResponseConfirmTransaction = 12
	ResponseCancelTransaction  = 15
	ResponseBadChecksum        = 19
)

// TransportError wraps a network or HTTP-level failure: non-2xx response,
// connect/read timeout, or any other IO error. The drain worker aborts the
// current batch and rolls back the queue checkout on this error.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transaction: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the server's response violated the S2S contract —
// missing headers, an unparseable TTL, a missing transaction URL, or an
// undecodable transaction result. Non-recoverable for the current
// transaction.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "transaction: protocol violation: " + e.Msg }

// ChecksumMismatch means the server-reported CRC32 disagreed with the CRC
// the client computed while streaming. The client ends the transaction with
// BAD_CHECKSUM and the caller must treat the batch as undelivered.
type ChecksumMismatch struct {
	Local  uint32
	Remote uint32
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("transaction: checksum mismatch: local=%d remote=%d", e.Local, e.Remote)
}
