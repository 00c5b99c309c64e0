package types

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOperationRequest_Timeout(t *testing.T) {
	def := 5 * time.Minute
	tests := []struct {
		name string
		ms   int64
		want time.Duration
	}{
		{"unset uses default", 0, def},
		{"negative uses default", -1, def},
		{"own value", 1500, 1500 * time.Millisecond},
		{"at the cap", MaxRequestTimeout.Milliseconds(), MaxRequestTimeout},
		{"above the cap", MaxRequestTimeout.Milliseconds() + 1, MaxRequestTimeout},
		{"would overflow", math.MaxInt64, MaxRequestTimeout},
		{"overflows when multiplied", math.MaxInt64/int64(time.Millisecond) + 1, MaxRequestTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OperationRequest{TimeoutMs: tt.ms}.Timeout(def)
			assert.Equal(t, tt.want, got)
			assert.Positive(t, got)
		})
	}
}
