// Package kverrors defines the error kinds shared across the replication
// pipeline, the secondary pump and the local store façade.
package kverrors

import "github.com/cockroachdb/errors"

// Sentinel kinds. Components compare against these with errors.Is; wrapped
// context (table, key, lsn) is attached with errors.Wrapf at the call site.
var (
	ErrNotPrimary             = errors.New("not primary")
	ErrNoWriteQuorum          = errors.New("no write quorum")
	ErrReconfigurationPending = errors.New("reconfiguration pending")
	ErrTimeout                = errors.New("commit timeout")
	ErrObjectClosed           = errors.New("object closed")
	ErrStoreFatal             = errors.New("store fatal error")
	ErrTransactionTooLarge    = errors.New("transaction too large")
	ErrMaxFileStreamWaiters   = errors.New("max file stream full copy waiters")
	ErrBackupInProgress       = errors.New("backup in progress")
	ErrEnumerationCompleted   = errors.New("enumeration completed")

	// Local store CRUD conditional errors (kept as comparable sentinels
	// rather than typed structs, per errors.Is usage across the pump's
	// retry loop — see RecordAlreadyExistsError etc. below for the
	// richer variants that carry the offending key).
	ErrRecordAlreadyExists     = errors.New("record already exists")
	ErrRecordNotFound          = errors.New("record not found")
	ErrWriteConflict           = errors.New("write conflict")
	ErrSequenceNumberCheckFail = errors.New("sequence number check failed")
)

// RecordAlreadyExistsError carries the offending (type,key) for callers
// that want more than errors.Is(err, ErrRecordAlreadyExists).
type RecordAlreadyExistsError struct {
	Type string
	Key  string
}

func (e *RecordAlreadyExistsError) Error() string {
	return errors.Wrapf(ErrRecordAlreadyExists, "type=%s key=%s", e.Type, e.Key).Error()
}

func (e *RecordAlreadyExistsError) Unwrap() error { return ErrRecordAlreadyExists }

// RecordNotFoundError carries the offending (type,key).
type RecordNotFoundError struct {
	Type string
	Key  string
}

func (e *RecordNotFoundError) Error() string {
	return errors.Wrapf(ErrRecordNotFound, "type=%s key=%s", e.Type, e.Key).Error()
}

func (e *RecordNotFoundError) Unwrap() error { return ErrRecordNotFound }

// SequenceNumberCheckFailedError reports the LSN mismatch that failed an
// expectedLsn-conditional update/delete.
type SequenceNumberCheckFailedError struct {
	Type     string
	Key      string
	Expected uint64
	Actual   uint64
}

func (e *SequenceNumberCheckFailedError) Error() string {
	return errors.Wrapf(ErrSequenceNumberCheckFail, "type=%s key=%s expected=%d actual=%d",
		e.Type, e.Key, e.Expected, e.Actual).Error()
}

func (e *SequenceNumberCheckFailedError) Unwrap() error { return ErrSequenceNumberCheckFail }

// WriteConflictError reports a duplicate (type,key) write within a single
// simple-transaction-group batch, or a pump apply race.
type WriteConflictError struct {
	Type string
	Key  string
	Note string
}

func (e *WriteConflictError) Error() string {
	return errors.Wrapf(ErrWriteConflict, "type=%s key=%s: %s", e.Type, e.Key, e.Note).Error()
}

func (e *WriteConflictError) Unwrap() error { return ErrWriteConflict }

// Retryable reports whether a secondary apply error should be retried in a
// fresh local transaction.
func Retryable(err error) bool {
	return errors.Is(err, ErrWriteConflict) || errors.Is(err, ErrSequenceNumberCheckFail)
}
