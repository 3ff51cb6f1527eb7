package errors

import (
	"context"
	"errors"
	"testing"
)

func TestIsCancellation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"superseded", ErrRequestSuperseded, true},
		{"context canceled", context.Canceled, true},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped superseded", Wrap(ErrRequestSuperseded, "while fetching"), true},
		{"transport", ErrTransport, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		if got := IsCancellation(tt.err); got != tt.want {
			t.Errorf("%s: IsCancellation = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCategoryCheckers(t *testing.T) {
	if !IsDecodeFallback(ErrNotBinary) || !IsDecodeFallback(ErrMissingColumn) {
		t.Error("decode sentinels should signal the fallback")
	}
	if IsDecodeFallback(ErrMalformedChunk) {
		t.Error("a malformed JSON chunk is terminal, not a fallback signal")
	}

	anomaly := NewAnomaly("S1", 100, ErrOffsetNotAdvanced)
	if !IsProtocolAnomaly(anomaly) {
		t.Error("NewAnomaly should remain a protocol anomaly after wrapping")
	}
	if !errors.Is(anomaly, ErrOffsetNotAdvanced) {
		t.Error("the anomaly cause should survive wrapping")
	}

	if !IsTransport(NewRemoteStatus("S1", 502)) {
		t.Error("remote status errors are transport errors")
	}
	if !IsRetriable(ErrTransport) {
		t.Error("transport errors are retriable")
	}
	if IsRetriable(anomaly) {
		t.Error("protocol anomalies must not be silently retried")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "context %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
}
