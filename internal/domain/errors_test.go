package domain

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
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"transient", fmt.Errorf("upload: %w", ErrTransient), KindTransient},
		{"deadline", fmt.Errorf("download: %w", context.DeadlineExceeded), KindTransient},
		{"auth required", ErrAuthenticationRequired, KindAuthentication},
		{"removed", fmt.Errorf("fetch: %w", ErrNotFoundOrRemoved), KindNotFound},
		{"invalid", ErrInvalidFormat, KindInvalidFormat},
		{"stale", ErrStaleUpdate, KindStaleUpdate},
		{"canceled", context.Canceled, KindCanceled},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindTransient},
		{"dns", &net.DNSError{Err: "no such host"}, KindTransient},
		{"other", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	assert.True(t, KindTransient.Retryable())
	assert.False(t, KindAuthentication.Retryable())
	assert.False(t, KindNotFound.Retryable())
	assert.False(t, KindUnknown.Retryable())
}
