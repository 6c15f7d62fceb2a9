package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveResourceOp(t *testing.T) {
	before := testutil.ToFloat64(ResourceOpsTotal.WithLabelValues("create", "error"))
	ObserveResourceOp("create", errors.New("boom"))
	ObserveResourceOp("create", nil)
	after := testutil.ToFloat64(ResourceOpsTotal.WithLabelValues("create", "error"))
	if after-before != 1 {
		t.Fatalf("expected one error observation, got %v", after-before)
	}
}
