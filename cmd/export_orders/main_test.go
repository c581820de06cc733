package main

import (
	"testing"

	"signalTrader/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestFilter(t *testing.T) {
	orders := []*domain.Order{
		{ID: "a", Status: domain.StatusFilled},
		{ID: "b", Status: domain.StatusRejected},
		{ID: "c", Status: domain.StatusSubmitted},
	}
	tests := []struct {
		name     string
		statuses string
		want     []string
	}{
		{"no filter", "", []string{"a", "b", "c"}},
		{"single", "filled", []string{"a"}},
		{"several with spaces", " FILLED , submitted", []string{"a", "c"}},
		{"unknown", "EXPIRED", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := make([]string, 0)
			for _, o := range filter(orders, tt.statuses) {
				got = append(got, o.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
