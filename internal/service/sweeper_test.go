package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kirimaja/backend/internal/domain"
	"kirimaja/backend/internal/xid"
)

func TestSweepRejectsOverdueRequests(t *testing.T) {
	svc, repo := newTestService(Options{})
	order := deliveredOrder(t, svc, 1)

	// Plant a request whose SLA already lapsed; the sweeper works off the
	// stored expiry, not the request path.
	overdue := domain.ReturnRequest{
		ID:                xid.New("ret"),
		OrderID:           order.ID,
		Reason:            "sla lapsed",
		RefundAmountCents: order.TotalCents,
		Status:            domain.ReturnStatusPending,
		ExpiresAt:         time.Now().UTC().Add(-time.Hour),
		CreatedAt:         time.Now().UTC().Add(-8 * 24 * time.Hour),
	}
	created, err := repo.CreateReturnRequest(context.Background(), overdue)
	require.NoError(t, err)

	sweeper := NewReturnExpirySweeper(svc, time.Minute, nil)
	sweeper.sweep(context.Background())

	swept, err := repo.GetReturnRequest(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReturnStatusRejected, swept.Status)
	require.Equal(t, "expired", swept.RejectReason)
	require.NotNil(t, swept.ResolvedAt)
}

func TestSweeperShutdown(t *testing.T) {
	svc, _ := newTestService(Options{})
	sweeper := NewReturnExpirySweeper(svc, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop after context cancel")
	}

	// Shutdown after exit is safe and idempotent.
	sweeper.Shutdown()
	sweeper.Shutdown()
}
