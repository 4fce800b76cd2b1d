package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRegistered(t *testing.T) {
	before := testutil.ToFloat64(Polls.WithLabelValues(ResultOK))
	Polls.WithLabelValues(ResultOK).Inc()
	if got := testutil.ToFloat64(Polls.WithLabelValues(ResultOK)); got != before+1 {
		t.Errorf("polls = %v, want %v", got, before+1)
	}

	CursorID.Set(105)
	if got := testutil.ToFloat64(CursorID); got != 105 {
		t.Errorf("cursor gauge = %v", got)
	}
}

func TestServeEmptyAddr(t *testing.T) {
	if err := Serve(context.Background(), ""); err != nil {
		t.Fatalf("serve: %v", err)
	}
}
