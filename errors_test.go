package resilient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindOther},
		{"tagged error", NewError(KindResourceExhausted, errors.New("quota")), KindResourceExhausted},
		{"wrapped tagged error", fmt.Errorf("subscribe: %w", NewError(KindAborted, errors.New("x"))), KindAborted},
		{"sentinel aborted", fmt.Errorf("rpc: %w", ErrAborted), KindAborted},
		{"context canceled", context.Canceled, KindAborted},
		{"sentinel unavailable", ErrUnavailable, KindNetworkUnavailable},
		{"context deadline", context.DeadlineExceeded, KindDeadlineExceeded},
		{"sentinel exhausted", ErrResourceExhausted, KindResourceExhausted},
		{"sentinel internal", ErrInternal, KindInternal},
		{"net timeout", &net.DNSError{Err: "lookup", IsTimeout: true}, KindDeadlineExceeded},
		{"net non-timeout", &net.DNSError{Err: "lookup", IsTemporary: true}, KindNetworkUnavailable},
		{"message aborted", errors.New("request aborted by peer"), KindAborted},
		{"message network", errors.New("network path changed"), KindNetworkUnavailable},
		{"message timeout", errors.New("timeout waiting for frame"), KindNetworkUnavailable},
		{"message refused", errors.New("dial: connection refused"), KindNetworkUnavailable},
		{"message exhausted", errors.New("resources exhausted"), KindResourceExhausted},
		{"message internal", errors.New("internal server error"), KindInternal},
		{"unclassified", errors.New("permission denied"), KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKindEscalationGroups(t *testing.T) {
	assert.True(t, KindAborted.TripsBreaker())
	assert.True(t, KindNetworkUnavailable.TripsBreaker())
	assert.False(t, KindDeadlineExceeded.TripsBreaker())
	assert.False(t, KindOther.TripsBreaker())

	assert.True(t, KindDeadlineExceeded.Transient())
	assert.True(t, KindResourceExhausted.Transient())
	assert.True(t, KindInternal.Transient())
	assert.False(t, KindAborted.Transient())
	assert.False(t, KindOther.Transient())
}

func TestErrorWrapping(t *testing.T) {
	inner := errors.New("boom")
	err := NewError(KindInternal, inner)

	assert.Equal(t, "internal: boom", err.Error())
	assert.True(t, errors.Is(err, inner))
	assert.Equal(t, KindInternal, err.ErrorKind())

	bare := NewError(KindAborted, nil)
	assert.Equal(t, "aborted", bare.Error())
}
