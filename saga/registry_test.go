//go:build unit

package saga

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	require.NoError(t, registry.Register(validDefinition()))

	def, err := registry.Lookup("order_shipping")
	require.NoError(t, err)
	require.Equal(t, "order_shipping", def.SagaType)
	require.Len(t, def.Steps, 3)

	_, err = registry.Lookup("unknown")
	require.ErrorIs(t, err, ErrUnknownSagaType)
}

func TestRegistryRegister_RejectsInvalidDefinition(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	err := registry.Register(Definition{SagaType: "broken"})
	require.ErrorIs(t, err, ErrDefinitionRequired)
}

func TestRegistryRegister_RejectsDuplicateType(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	require.NoError(t, registry.Register(validDefinition()))
	require.ErrorIs(t, registry.Register(validDefinition()), ErrDefinitionRegistered)
}

func TestRegistryNilReceiver(t *testing.T) {
	t.Parallel()

	var registry *Registry

	require.ErrorIs(t, registry.Register(validDefinition()), ErrRegistryRequired)

	_, err := registry.Lookup("order_shipping")
	require.ErrorIs(t, err, ErrRegistryRequired)
}
