package service

import (
	"sync"
	"time"
)

// Status represents the lifecycle state of a service
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ServiceStatus tracks the state of a single service
type ServiceStatus struct {
	Name      string
	StartedAt time.Time

	status Status
	err    error
	mu     sync.RWMutex
}

// NewServiceStatus creates a status tracker in the stopped state
func NewServiceStatus(name string) *ServiceStatus {
	return &ServiceStatus{
		Name:   name,
		status: StatusStopped,
	}
}

// SetStatus updates the state. Entering running clears any error.
func (s *ServiceStatus) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status == StatusRunning && s.status != StatusRunning {
		s.StartedAt = time.Now()
		s.err = nil
	}
	if status == StatusStopped {
		s.StartedAt = time.Time{}
	}
	s.status = status
}

// SetError records err and moves the service to the error state
func (s *ServiceStatus) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.status = StatusError
}

func (s *ServiceStatus) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *ServiceStatus) GetError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *ServiceStatus) IsRunning() bool {
	return s.GetStatus() == StatusRunning
}

// GetUptime returns how long the service has been running, zero otherwise
func (s *ServiceStatus) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning || s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}
