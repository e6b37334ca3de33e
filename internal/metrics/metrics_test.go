package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(FeeFallbacks)
	FeeFallbacks.Inc()
	if got := testutil.ToFloat64(FeeFallbacks); got != before+1 {
		t.Fatalf("expected fee fallback counter to increment, got %v", got)
	}
	GuardRejections.WithLabelValues("destination_not_allowed").Inc()
	if got := testutil.ToFloat64(GuardRejections.WithLabelValues("destination_not_allowed")); got < 1 {
		t.Fatalf("expected guard rejection counter, got %v", got)
	}
}
