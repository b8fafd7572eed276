package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront-oms/internal/domain"
)

func TestMockGateway(t *testing.T) {
	ctx := context.Background()
	mock := NewMockGateway()

	if err := mock.Capture(ctx, "ORD-1", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("unexpected capture error: %v", err)
	}
	if err := mock.Refund(ctx, "ORD-1", "ref-1", decimal.NewFromInt(60)); err != nil {
		t.Fatalf("unexpected refund error: %v", err)
	}
	// Повтор с тем же refundID не создаёт второй возврат.
	if err := mock.Refund(ctx, "ORD-1", "ref-1", decimal.NewFromInt(60)); err != nil {
		t.Fatalf("unexpected refund replay error: %v", err)
	}

	if got := len(mock.Captures()); got != 1 {
		t.Fatalf("expected 1 capture, got %d", got)
	}
	refunds := mock.Refunds()
	if len(refunds) != 1 || !refunds[0].Amount.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("unexpected refunds: %+v", refunds)
	}

	mock.CaptureErr = domain.ErrPaymentDeclined
	mock.RefundErr = domain.ErrPaymentTemporary

	if err := mock.Capture(ctx, "ORD-2", decimal.NewFromInt(1)); !errors.Is(err, domain.ErrPaymentDeclined) {
		t.Fatalf("expected declined capture, got %v", err)
	}
	if err := mock.Refund(ctx, "ORD-2", "ref-2", decimal.NewFromInt(1)); !errors.Is(err, domain.ErrPaymentTemporary) {
		t.Fatalf("expected temporary refund error, got %v", err)
	}
	if len(mock.Refunds()) != 1 {
		t.Fatal("failed refund must not be recorded")
	}
}

func TestMockGateway_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewMockGateway().Capture(ctx, "ORD-1", decimal.NewFromInt(1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
