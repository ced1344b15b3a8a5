//go:build unit

package outbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"PENDING", "PROCESSING", "PUBLISHED", "FAILED", "INVALID"} {
		status, err := ParseStatus(raw)
		require.NoError(t, err)
		require.Equal(t, raw, status.String())
	}

	_, err := ParseStatus("pending")
	require.ErrorIs(t, err, ErrStatusInvalid)
}

func TestStatusCanTransitionTo(t *testing.T) {
	t.Parallel()

	allowed := map[Status][]Status{
		StatusPending:    {StatusProcessing},
		StatusFailed:     {StatusProcessing},
		StatusProcessing: {StatusProcessing, StatusPublished, StatusFailed, StatusInvalid},
		StatusPublished:  {},
		StatusInvalid:    {},
	}

	all := []Status{StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusInvalid}

	for from, nexts := range allowed {
		permitted := make(map[Status]bool, len(nexts))
		for _, next := range nexts {
			permitted[next] = true
		}

		for _, to := range all {
			require.Equal(t, permitted[to], from.CanTransitionTo(to),
				"transition %s -> %s", from, to)
		}
	}
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateTransition("PENDING", "PROCESSING"))
	require.NoError(t, ValidateTransition("PROCESSING", "PUBLISHED"))

	err := ValidateTransition("PUBLISHED", "PROCESSING")
	require.ErrorIs(t, err, ErrStatusTransitionDenied)

	err = ValidateTransition("bogus", "PROCESSING")
	require.ErrorIs(t, err, ErrStatusInvalid)

	err = ValidateTransition("PENDING", "bogus")
	require.ErrorIs(t, err, ErrStatusInvalid)
}
