package tags

import (
	"os"
	"os/signal"
	"syscall"
)

// TerminationExitCode is the status the process exits with after SIGTERM
const TerminationExitCode = 0

// RegisterTerminationHandler installs a SIGTERM handler that runs Terminate.
// Calling it again replaces the callback.
func (s *Store) RegisterTerminationHandler(callback func()) {
	s.mu.Lock()
	s.onSignal = callback
	if s.signals != nil {
		s.mu.Unlock()
		return
	}
	s.signals = make(chan os.Signal, 1)
	ch := s.signals
	s.mu.Unlock()

	signal.Notify(ch, syscall.SIGTERM)
	go func() {
		if _, ok := <-ch; ok {
			s.Terminate()
		}
	}()
}

// StopTerminationHandler removes the SIGTERM handler
func (s *Store) StopTerminationHandler() {
	s.mu.Lock()
	ch := s.signals
	s.signals = nil
	s.mu.Unlock()

	if ch != nil {
		signal.Stop(ch)
		close(ch)
	}
}

// Terminate runs the shutdown sequence for a termination signal:
// warn, report exit tags, run the registered callback, exit.
func (s *Store) Terminate() {
	s.logger.Warn("Termination signal received. Exiting...")
	s.ReportExitTags()

	s.mu.Lock()
	callback := s.onSignal
	s.mu.Unlock()
	if callback != nil {
		callback()
	}

	_ = s.logger.Sync()
	s.exit(TerminationExitCode)
}
