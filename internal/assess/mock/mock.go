// Package mock provides a configurable double for assess.Assessor.
package mock

import (
	"context"
	"sync"

	"github.com/tandemly/voicerelay/internal/assess"
)

var _ assess.Assessor = (*Assessor)(nil)

// Assessor is a test double for [assess.Assessor]. Configure Result and Err,
// then assert against the recorded requests. Safe for concurrent use.
type Assessor struct {
	mu sync.Mutex

	Result assess.Result
	Err    error

	Requests []assess.Request
}

// Assess implements [assess.Assessor].
func (m *Assessor) Assess(_ context.Context, req assess.Request) (assess.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return assess.Result{}, m.Err
	}
	return m.Result, nil
}

// CallCount returns the number of recorded Assess calls.
func (m *Assessor) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// LastRequest returns the most recent recorded request, if any.
func (m *Assessor) LastRequest() (assess.Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return assess.Request{}, false
	}
	return m.Requests[len(m.Requests)-1], true
}
