package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUser(t *testing.T) {
	u, err := NewUser("user_2abc", "a@example.com", 600)
	require.NoError(t, err)
	assert.Equal(t, int64(600), u.TimeBalance)
	assert.True(t, u.HasBalance())

	_, err = NewUser("", "a@example.com", 0)
	assert.Error(t, err)

	_, err = NewUser("user_2abc", "not-an-email", 0)
	assert.Error(t, err)
}

func TestWarpHelpers(t *testing.T) {
	var nilWarp *Warp
	assert.Equal(t, JobStatus(""), nilWarp.Status())
	assert.False(t, nilWarp.HasJob())

	jobID := "job-1"
	w := &Warp{JobID: &jobID, JobStatus: StatusPtr(JobStatusCancelled)}
	assert.True(t, w.HasJob())
	assert.True(t, w.IsTerminal())
	assert.False(t, w.IsLegacyPod())

	podID := "pod-1"
	legacy := &Warp{PodID: &podID}
	assert.True(t, legacy.IsLegacyPod())
}
