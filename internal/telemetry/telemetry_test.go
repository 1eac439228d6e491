package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestMeter_ReturnsUsableMeter(t *testing.T) {
	m := Meter("test")
	require.NotNil(t, m)
	c, err := m.Int64Counter("test.counter")
	require.NoError(t, err)
	c.Add(context.Background(), 1)
}
