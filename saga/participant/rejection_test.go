//go:build unit

package participant

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReject(t *testing.T) {
	t.Parallel()

	err := Reject("CAPACITY_EXCEEDED", "course is full")
	require.EqualError(t, err, "CAPACITY_EXCEEDED: course is full")

	var rejection *Rejection

	require.ErrorAs(t, err, &rejection)
	require.Equal(t, "CAPACITY_EXCEEDED", rejection.Code)

	// Detection survives wrapping.
	wrapped := fmt.Errorf("checking seats: %w", err)
	require.ErrorAs(t, wrapped, &rejection)

	require.False(t, errors.As(errors.New("plain"), &rejection))
}

func TestRejection_ErrorWithoutMessage(t *testing.T) {
	t.Parallel()

	require.EqualError(t, &Rejection{Code: "INVALID_BASE_FEE"}, "INVALID_BASE_FEE")
}
