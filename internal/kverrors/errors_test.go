package kverrors

import (
	"errors"
	"testing"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"write conflict", &WriteConflictError{Type: "orders", Key: "k1", Note: "race"}, true},
		{"sequence check failed", &SequenceNumberCheckFailedError{Type: "orders", Key: "k1", Expected: 1, Actual: 2}, true},
		{"record already exists", &RecordAlreadyExistsError{Type: "orders", Key: "k1"}, false},
		{"record not found", &RecordNotFoundError{Type: "orders", Key: "k1"}, false},
		{"store fatal", ErrStoreFatal, false},
		{"nil", nil, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Retryable(c.err); got != c.want {
				t.Errorf("Retryable(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	if !errors.Is(&RecordAlreadyExistsError{Type: "t", Key: "k"}, ErrRecordAlreadyExists) {
		t.Error("RecordAlreadyExistsError should unwrap to ErrRecordAlreadyExists")
	}
	if !errors.Is(&RecordNotFoundError{Type: "t", Key: "k"}, ErrRecordNotFound) {
		t.Error("RecordNotFoundError should unwrap to ErrRecordNotFound")
	}
	if !errors.Is(&SequenceNumberCheckFailedError{Type: "t", Key: "k"}, ErrSequenceNumberCheckFail) {
		t.Error("SequenceNumberCheckFailedError should unwrap to ErrSequenceNumberCheckFail")
	}
	if !errors.Is(&WriteConflictError{Type: "t", Key: "k"}, ErrWriteConflict) {
		t.Error("WriteConflictError should unwrap to ErrWriteConflict")
	}
}
