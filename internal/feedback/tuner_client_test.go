package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umbrix/backend/pb"
)

func TestDialTuner_EmptyAddressUsesMock(t *testing.T) {
	client, cleanup, err := DialTuner(context.Background(), "", "")
	require.NoError(t, err)
	defer cleanup()

	_, ok := client.(*pb.MockTunerClient)
	assert.True(t, ok, "local development should get the mock client")
}

func TestDialTuner_UnreachableWorkloadSocketFailsBounded(t *testing.T) {
	start := time.Now()
	_, _, err := DialTuner(context.Background(),
		"tuner.internal:9443", "unix:///nonexistent/spire-agent.sock")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spiffe")
	// Workload API dial is bounded so a missing agent does not hang startup.
	assert.Less(t, time.Since(start), 10*time.Second)
}
