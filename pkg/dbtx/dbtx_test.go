package dbtx

import (
	"context"
	"testing"
)

func TestContextWithTx_Nil(t *testing.T) {
	ctx := context.Background()
	got := ContextWithTx(ctx, nil)

	if got != ctx {
		t.Fatalf("ContextWithTx(ctx, nil) should return ctx unchanged")
	}
}

func TestTxFromContext_NoTx(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Fatalf("expected nil tx, got %v", tx)
	}
}
