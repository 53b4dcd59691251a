package tracking

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestNewGeneratesBothIDs(t *testing.T) {
	ids := New()
	if _, err := uuid.Parse(ids.CorrelationID); err != nil {
		t.Errorf("CorrelationID = %q, want a UUID: %v", ids.CorrelationID, err)
	}
	if _, err := uuid.Parse(ids.TransactionID); err != nil {
		t.Errorf("TransactionID = %q, want a UUID: %v", ids.TransactionID, err)
	}
	if ids.CorrelationID == ids.TransactionID {
		t.Error("CorrelationID and TransactionID should differ")
	}
}

func TestEnsureKeepsSuppliedValues(t *testing.T) {
	ids := IDs{CorrelationID: "caller-supplied"}.Ensure()
	if ids.CorrelationID != "caller-supplied" {
		t.Errorf("CorrelationID = %q, want caller-supplied", ids.CorrelationID)
	}
	if ids.TransactionID == "" {
		t.Error("TransactionID not filled in")
	}
}

func TestContextRoundTrip(t *testing.T) {
	want := IDs{CorrelationID: "corr-1", TransactionID: "txn-1"}
	ctx := WithContext(context.Background(), want)
	if got := FromContext(ctx); got != want {
		t.Errorf("FromContext = %+v, want %+v", got, want)
	}
}

func TestFromContextWithoutIDsGenerates(t *testing.T) {
	ids := FromContext(context.Background())
	if ids.CorrelationID == "" || ids.TransactionID == "" {
		t.Errorf("FromContext = %+v, want both IDs populated", ids)
	}
}
