//go:build unit

package sagatest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-saga/saga"
)

func TestEnrollment_HappyPath(t *testing.T) {
	t.Parallel()

	harness, err := NewHarness()
	require.NoError(t, err)

	ctx := context.Background()

	sagaID, err := harness.StartEnrollment(ctx, "s-1", "c-math", "100")
	require.NoError(t, err)

	instance, err := harness.RunToTerminal(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompleted, instance.Status)
	require.Equal(t, []string{
		StepCreateEnrollment, StepReserveCapacity, StepCalculateFees, StepNotifyStudent,
	}, instance.CompletedSteps)

	// (100 + 25) * 1.07 with the default 7% tax rate.
	require.Equal(t, "133.75", instance.Context["total_fee"])
	require.Equal(t, "1", instance.Context["seat_number"])
	require.NotEmpty(t, instance.Context["enrollment_id"])

	require.True(t, harness.Enrollment.Enrolled("s-1"))
	require.Equal(t, 1, harness.Capacity.Reserved("c-math"))
	require.Contains(t, harness.Notify.Notified(), "s-1")

	invoice, ok := harness.Fees.Invoice(sagaID.String())
	require.True(t, ok)
	require.True(t, invoice.Equal(decimal.RequireFromString("133.75")))
}

func TestEnrollment_MidSagaRejectionCompensatesCompletedSteps(t *testing.T) {
	t.Parallel()

	harness, err := NewHarness()
	require.NoError(t, err)

	harness.Fees.FailFor["s-2"] = "PAYMENT_BLOCKED"
	ctx := context.Background()

	sagaID, err := harness.StartEnrollment(ctx, "s-2", "c-math", "100")
	require.NoError(t, err)

	instance, err := harness.RunToTerminal(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompensated, instance.Status)
	require.Equal(t, "PAYMENT_BLOCKED", instance.LastError)
	require.Empty(t, instance.PendingCompensations)

	// Both completed steps were undone, newest first.
	require.False(t, harness.Enrollment.Enrolled("s-2"))
	require.True(t, harness.Enrollment.Cancelled(instance.Context["enrollment_id"]))
	require.Zero(t, harness.Capacity.Reserved("c-math"))
	require.False(t, harness.Fees.Reversed(sagaID.String()))
	require.Empty(t, harness.Notify.Notified())
}

func TestEnrollment_FirstStepRejectionCompensatesNothing(t *testing.T) {
	t.Parallel()

	harness, err := NewHarness()
	require.NoError(t, err)

	harness.Enrollment.FailFor["s-3"] = "STUDENT_SUSPENDED"
	ctx := context.Background()

	sagaID, err := harness.StartEnrollment(ctx, "s-3", "c-math", "100")
	require.NoError(t, err)

	instance, err := harness.RunToTerminal(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompensated, instance.Status)
	require.Equal(t, "STUDENT_SUSPENDED", instance.LastError)
	require.Zero(t, harness.Capacity.Reserved("c-math"))
}

func TestEnrollment_CapacityExhaustion(t *testing.T) {
	t.Parallel()

	harness, err := NewHarness(WithCapacityLimit(1))
	require.NoError(t, err)

	ctx := context.Background()

	firstID, err := harness.StartEnrollment(ctx, "s-4", "c-physics", "80")
	require.NoError(t, err)

	first, err := harness.RunToTerminal(ctx, firstID)
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompleted, first.Status)

	secondID, err := harness.StartEnrollment(ctx, "s-5", "c-physics", "80")
	require.NoError(t, err)

	second, err := harness.RunToTerminal(ctx, secondID)
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompensated, second.Status)
	require.Equal(t, "CAPACITY_EXCEEDED", second.LastError)

	// The winner keeps the seat; the loser's enrollment was cancelled.
	require.Equal(t, 1, harness.Capacity.Reserved("c-physics"))
	require.True(t, harness.Enrollment.Enrolled("s-4"))
	require.False(t, harness.Enrollment.Enrolled("s-5"))
}

func TestEnrollment_BestEffortNotificationFailureStillCompletes(t *testing.T) {
	t.Parallel()

	harness, err := NewHarness()
	require.NoError(t, err)

	harness.Notify.FailFor["s-6"] = "SMTP_DOWN"
	ctx := context.Background()

	sagaID, err := harness.StartEnrollment(ctx, "s-6", "c-math", "100")
	require.NoError(t, err)

	instance, err := harness.RunToTerminal(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompleted, instance.Status)
	require.Contains(t, instance.CompletedSteps, StepNotifyStudent)
	require.Empty(t, harness.Notify.Notified())

	// The business effects of the earlier steps stand.
	require.True(t, harness.Enrollment.Enrolled("s-6"))
	require.Equal(t, "133.75", instance.Context["total_fee"])
}

func TestEnrollment_InvalidBaseFee(t *testing.T) {
	t.Parallel()

	harness, err := NewHarness()
	require.NoError(t, err)

	ctx := context.Background()

	sagaID, err := harness.StartEnrollment(ctx, "s-7", "c-math", "not-a-number")
	require.NoError(t, err)

	instance, err := harness.RunToTerminal(ctx, sagaID)
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompensated, instance.Status)
	require.Equal(t, "INVALID_BASE_FEE", instance.LastError)
	require.False(t, harness.Enrollment.Enrolled("s-7"))
}

func TestEnrollment_InterleavedSagasStayIsolated(t *testing.T) {
	t.Parallel()

	harness, err := NewHarness(WithCapacityLimit(10))
	require.NoError(t, err)

	ctx := context.Background()

	ids := make([]uuid.UUID, 0, 5)

	for i := range 5 {
		sagaID, startErr := harness.StartEnrollment(ctx, fmt.Sprintf("s-batch-%d", i), "c-chem", "50")
		require.NoError(t, startErr)

		ids = append(ids, sagaID)
	}

	// All five sagas share the transport and relay; pumping any one of them
	// to completion advances the others too.
	for _, sagaID := range ids {
		instance, runErr := harness.RunToTerminal(ctx, sagaID)
		require.NoError(t, runErr)
		require.Equal(t, saga.StatusCompleted, instance.Status)
	}

	require.Equal(t, 5, harness.Capacity.Reserved("c-chem"))
	require.Len(t, harness.Notify.Notified(), 5)
}
