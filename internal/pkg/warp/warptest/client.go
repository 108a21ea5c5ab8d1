package warptest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ManuelReschke/warpstation/app/models"
	"github.com/ManuelReschke/warpstation/internal/pkg/runpod"
)

// FakeJobClient implements runpod.JobClient with scripted answers.
type FakeJobClient struct {
	mu sync.Mutex

	// StartStatus is reported by StartJob; empty mimics a response without status.
	StartStatus models.JobStatus
	StartErr    error
	// OnStart runs inside StartJob, before it returns.
	OnStart func(input runpod.JobInput)

	statuses     map[string]runpod.JobState
	statusErrs   map[string]error
	cancelErrs   map[string]error
	terminateErr error

	started     []runpod.JobInput
	statusCalls map[string]int
	cancels     map[string]int
	terminated  []string
}

func NewFakeJobClient() *FakeJobClient {
	return &FakeJobClient{
		StartStatus: models.JobStatusInQueue,
		statuses:    make(map[string]runpod.JobState),
		statusErrs:  make(map[string]error),
		cancelErrs:  make(map[string]error),
		statusCalls: make(map[string]int),
		cancels:     make(map[string]int),
	}
}

// SetStatus scripts the answer of GetJobStatus for a job.
func (c *FakeJobClient) SetStatus(jobID string, st runpod.JobState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.ID = jobID
	c.statuses[jobID] = st
	delete(c.statusErrs, jobID)
}

// SetStatusErr makes GetJobStatus fail for a job.
func (c *FakeJobClient) SetStatusErr(jobID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusErrs[jobID] = err
}

// SetCancelErr makes CancelJob fail for a job; nil clears it.
func (c *FakeJobClient) SetCancelErr(jobID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.cancelErrs, jobID)
		return
	}
	c.cancelErrs[jobID] = err
}

// SetTerminateErr makes TerminatePod fail.
func (c *FakeJobClient) SetTerminateErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateErr = err
}

func (c *FakeJobClient) StartJob(_ context.Context, input runpod.JobInput) (*runpod.JobRun, error) {
	c.mu.Lock()
	c.started = append(c.started, input)
	n := len(c.started)
	status, err, hook := c.StartStatus, c.StartErr, c.OnStart
	c.mu.Unlock()

	if hook != nil {
		hook(input)
	}
	if err != nil {
		return nil, err
	}
	return &runpod.JobRun{ID: fmt.Sprintf("job-%d", n), Status: status}, nil
}

func (c *FakeJobClient) GetJobStatus(_ context.Context, jobID string) (*runpod.JobState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCalls[jobID]++
	if err, ok := c.statusErrs[jobID]; ok {
		return nil, err
	}
	st, ok := c.statuses[jobID]
	if !ok {
		return nil, fmt.Errorf("status %s: %w", jobID, runpod.ErrJobNotFound)
	}
	return &st, nil
}

func (c *FakeJobClient) CancelJob(_ context.Context, jobID string) (*runpod.JobRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[jobID]++
	if err, ok := c.cancelErrs[jobID]; ok {
		return nil, err
	}
	return &runpod.JobRun{ID: jobID, Status: models.JobStatusCancelled}, nil
}

func (c *FakeJobClient) TerminatePod(_ context.Context, podID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminateErr != nil {
		return c.terminateErr
	}
	c.terminated = append(c.terminated, podID)
	return nil
}

// Started returns the inputs of all StartJob calls.
func (c *FakeJobClient) Started() []runpod.JobInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]runpod.JobInput(nil), c.started...)
}

func (c *FakeJobClient) StatusCalls(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusCalls[jobID]
}

func (c *FakeJobClient) CancelCalls(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancels[jobID]
}

// TotalCancelCalls counts CancelJob calls over all jobs.
func (c *FakeJobClient) TotalCancelCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.cancels {
		n += v
	}
	return n
}

func (c *FakeJobClient) Terminated() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.terminated...)
}
