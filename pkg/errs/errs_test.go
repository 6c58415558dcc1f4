package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", base, KindUnknown},
		{"fetch", Fetch("get page", base), KindFetch},
		{"wrapped store", fmt.Errorf("commit: %w", Store("upsert", base)), KindStore},
		{"config", Config("cleanup", "retention days must be positive, got %d", -1), KindConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsRetryable(Fetch("get", base)))
	assert.True(t, IsRetryable(Store("put", base)))
	assert.False(t, IsRetryable(Config("x", "bad")))
	assert.False(t, IsRetryable(Integrity("x", "odd")))
	assert.False(t, IsRetryable(Busy("x", base)))
	assert.False(t, IsRetryable(base))
	assert.False(t, IsRetryable(Store("put", context.Canceled)))
	assert.False(t, IsRetryable(nil))
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("connection reset")
	err := Fetch("list visits", base)

	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "fetch error: list visits")
}
