package obs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitTracerWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{ServiceName: "fieldbook"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
