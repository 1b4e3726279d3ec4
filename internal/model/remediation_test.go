package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityAtLeast(t *testing.T) {
	assert.True(t, SeverityAtLeast(SeverityCritical, SeverityHigh))
	assert.True(t, SeverityAtLeast(SeverityHigh, SeverityHigh))
	assert.False(t, SeverityAtLeast(SeverityMedium, SeverityHigh))
	assert.False(t, SeverityAtLeast("UNKNOWN", SeverityLow))
	assert.False(t, SeverityAtLeast(SeverityHigh, "UNKNOWN"))
}

func TestJobTerminal(t *testing.T) {
	assert.True(t, JobTerminal(JobSuccess))
	assert.True(t, JobTerminal(JobRolledBack))
	assert.True(t, JobTerminal(JobSkipped))
	assert.False(t, JobTerminal(JobFailed), "failed jobs can be retried or rolled back")
	assert.False(t, JobTerminal(JobPending))
	assert.False(t, JobTerminal(JobRunning))
}

func TestRemediationPackage_SupportsRollback(t *testing.T) {
	p := &RemediationPackage{Method: FixMethodWinget}
	assert.False(t, p.SupportsRollback())

	p.RollbackCommand = "winget install Google.Chrome --version 119.0.0"
	assert.True(t, p.SupportsRollback())
}
