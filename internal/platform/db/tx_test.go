package db

import (
	"context"
	"testing"
)

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), txKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil tx for wrong value type")
	}
}

func TestConn_FallsBackToPool(t *testing.T) {
	// With no transaction and a nil pool the pool value is returned as-is.
	q := Conn(context.Background(), nil)
	if q == nil {
		t.Fatal("expected non-nil Querier interface value")
	}
}
