package ports

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubmitErrorClasses(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		rejection bool
		ambiguous bool
	}{
		{name: "nil", err: nil},
		{name: "invalid request", err: ErrInvalidRequest, rejection: true},
		{name: "wrapped insufficient funds", err: fmt.Errorf("binance: %w", ErrInsufficientFunds), rejection: true},
		{name: "unknown", err: ErrUnknown, ambiguous: true},
		{name: "timeout", err: ErrTimeout, ambiguous: true},
		{name: "exhausted", err: fmt.Errorf("%w: %w", ErrTransportExhausted, ErrTimeout), ambiguous: true},
		{name: "context canceled", err: context.Canceled, ambiguous: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.rejection, IsRejection(tt.err))
			assert.Equal(t, tt.ambiguous, IsAmbiguous(tt.err))
		})
	}
}
