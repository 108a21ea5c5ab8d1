package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusPartition(t *testing.T) {
	for _, s := range ActiveJobStatuses {
		assert.True(t, s.IsActive(), s)
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range TerminalJobStatuses {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsActive(), s)
	}
	assert.False(t, JobStatus("RUNNING").Valid())
	assert.False(t, JobStatus("").IsActive())
	assert.False(t, JobStatus("").IsTerminal())
}

func TestParseJobStatus(t *testing.T) {
	s, err := ParseJobStatus(" in_progress ")
	require.NoError(t, err)
	assert.Equal(t, JobStatusInProgress, s)

	_, err = ParseJobStatus("IN_PROGRES")
	assert.Error(t, err)
}
