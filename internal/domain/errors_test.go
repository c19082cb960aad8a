package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"validation", Validationf("amount must be positive"), KindValidation},
		{"insufficient funds", ErrInsufficientFunds, KindInsufficientFunds},
		{"wrapped insufficient funds", fmt.Errorf("debit: %w", ErrInsufficientFunds), KindInsufficientFunds},
		{"duplicate", fmt.Errorf("trade exists: %w", ErrDuplicateRequest), KindDuplicateRequest},
		{"transient", Transient(errors.New("connection reset")), KindTransient},
		{"unauthorized", ErrUnauthorized, KindUnauthorized},
		{"not found", ErrNotFound, KindNotFound},
		{"wallet not found", ErrWalletNotFound, KindNotFound},
		{"unknown", errors.New("boom"), KindInternal},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, KindOf(c.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	base := errors.New("serialization failure")
	assert.False(t, IsTransient(base))
	assert.True(t, IsTransient(Transient(base)))
	assert.True(t, IsTransient(fmt.Errorf("attempt 2: %w", Transient(base))))
	assert.False(t, IsTransient(nil))
}

func TestTransientUnwrap(t *testing.T) {
	base := errors.New("broken pipe")
	wrapped := Transient(base)
	assert.True(t, errors.Is(wrapped, base))
	assert.Nil(t, Transient(nil))
}
