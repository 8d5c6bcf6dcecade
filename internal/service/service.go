/*
Package service implements a lifecycle wrapper around a long-running goroutine.
The speaker, its peer sessions and the control-plane server are all built on it.
*/
package service

import (
	"sync"
	"time"

	"github.com/juju/loggo"
	"github.com/palantir/stacktrace"

	"github.com/stiltzkin10/bgp-ai-agent/internal/errorcode"
)

// State is the type for the different service states.
type State uint

const (
	// States are ordered according to the lifecycle of the service so that
	// comparisons like GetState() >= StateRunning are meaningful.

	// StateUninitialized is 0 since it is the default value for the state field.
	StateUninitialized State = iota
	// StateInitialized : InitializeService has been successfully called.
	StateInitialized
	// StateStarting : Start has been called but the service is not yet running.
	StateStarting
	// StateRunning : the service is currently running.
	StateRunning
	// StateStopping : Shutdown has been called but the service is not yet stopped.
	StateStopping
	// StateStopped : the service is completely shutdown.
	StateStopped
)

func (s State) String() string {
	return [...]string{"uninitialized", "initialized", "starting", "running", "stopping", "stopped"}[s]
}

// I represents the Service behaviour.
type I interface {
	Start() error
	Done() chan error
	Shutdown(graceful time.Duration, hard time.Duration) error
	GetServiceName() string
	GetState() State
}

// SubService must be implemented by the composited struct. Run should return
// promptly once shutdownSignal delivers the graceful timeout.
type SubService interface {
	Initialize() error
	Run(shutdownSignal chan time.Duration) error
	Release() error
}

// Service implements I around a SubService. It is meant to be embedded in the
// struct implementing SubService; the embedding struct calls InitializeService
// at instantiation time.
type Service struct {
	mutex          sync.RWMutex
	name           string
	state          State
	subservice     SubService
	shutdownSignal chan time.Duration
	done           chan error
	doneErr        error
}

// Initialize implements SubService.Initialize with a noop so that composited
// structs only implement it when they need to.
func (s *Service) Initialize() error {
	return nil
}

// Run implements SubService.Run with a plain wait on the shutdown signal.
func (s *Service) Run(shutdownSignal chan time.Duration) error {
	<-shutdownSignal
	return nil
}

// Release implements SubService.Release with a noop.
func (s *Service) Release() error {
	return nil
}

// InitializeService prepares the service internals. The name is used to make
// logs explicit; sub is the composited struct itself.
func (s *Service) InitializeService(name string, sub SubService) error {
	if sub == nil {
		return stacktrace.NewError("invalid <nil> sub service")
	}
	if len(name) == 0 {
		return stacktrace.NewError("invalid empty service name")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state != StateUninitialized {
		return stacktrace.NewError("InitializeService called on already initialized service")
	}
	s.name = name
	s.subservice = sub
	s.shutdownSignal = make(chan time.Duration, 1)
	s.done = make(chan error, 1)
	s.state = StateInitialized
	return nil
}

// Start initializes the sub service and launches the goroutine running it.
func (s *Service) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	loggo.GetLogger("").Infof("[%s] starting service", s.name)
	if s.state != StateInitialized {
		return stacktrace.NewError("refusing to start service in state <%s>", s.state)
	}
	s.state = StateStarting
	if err := s.subservice.Initialize(); err != nil {
		return stacktrace.Propagate(err, "fail to initialize <%s>", s.name)
	}
	go func() {
		s.mutex.Lock()
		s.state = StateRunning
		s.mutex.Unlock()
		loggo.GetLogger("").Infof("[%s] service started", s.name)
		runErr := s.subservice.Run(s.shutdownSignal)
		if runErr != nil {
			loggo.GetLogger("").Errorf("[%s] service stopping after error: %s", s.name, runErr)
		} else {
			loggo.GetLogger("").Infof("[%s] service stopping", s.name)
		}
		releaseErr := s.subservice.Release()
		if releaseErr != nil {
			loggo.GetLogger("").Errorf("[%s] service released with error: %s", s.name, releaseErr)
		}
		s.mutex.Lock()
		s.state = StateStopped
		if runErr != nil {
			s.doneErr = runErr
		} else {
			s.doneErr = releaseErr
		}
		doneErr := s.doneErr
		s.mutex.Unlock()
		if doneErr != nil {
			s.done <- doneErr
		}
		close(s.done)
		loggo.GetLogger("").Infof("[%s] service stopped", s.name)
	}()
	return nil
}

// Done returns a channel closed at service shutdown. If the service failed at
// runtime or during release, the channel carries the error first.
func (s *Service) Done() chan error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make(chan error, 1)
	if s.state == StateStopped {
		if s.doneErr != nil {
			out <- s.doneErr
		}
		close(out)
		return out
	}
	done := s.done
	go func() {
		err, ok := <-done
		if ok && err != nil {
			out <- err
		}
		close(out)
	}()
	return out
}

// Shutdown signals the service to stop and waits for it. The graceful timeout
// is handed to the sub service Run method; the hard timeout bounds the wait
// here, 0 meaning wait forever.
func (s *Service) Shutdown(graceful time.Duration, hard time.Duration) error {
	if graceful < 0 {
		return stacktrace.NewError("invalid graceful timeout <%s>", graceful)
	}
	if hard < 0 {
		return stacktrace.NewError("invalid hard timeout <%s>", hard)
	}
	s.mutex.Lock()
	loggo.GetLogger("").Tracef("[%s] shutdown requested (graceful <%s>, hard <%s>)", s.name, graceful, hard)
	switch s.state {
	case StateStarting, StateRunning:
		s.state = StateStopping
		s.mutex.Unlock()
		s.shutdownSignal <- graceful
		close(s.shutdownSignal)
	case StateStopping, StateStopped:
		s.mutex.Unlock()
	default:
		defer s.mutex.Unlock()
		return stacktrace.NewErrorWithCode(errorcode.EcodeServiceNotStarted, "cannot shutdown a service in state <%s>", s.state)
	}
	if hard > 0 {
		select {
		case err := <-s.Done():
			return err
		case <-time.After(hard):
			return stacktrace.NewErrorWithCode(errorcode.EcodeServiceTimeout, "timeout expired after <%s>", hard)
		}
	}
	return <-s.Done()
}

// GetServiceName returns the service name.
func (s *Service) GetServiceName() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.name
}

// GetState returns the current state of the service.
func (s *Service) GetState() State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}
