// Package event defines the inputs of the supervisor loop and the background
// proxies that translate OS notifications into them.
package event

// Event is one of FileChanged, ChildExited or WakeUp.
type Event interface {
	event()
}

// FileChanged reports a created, written or removed path under the watch root.
type FileChanged struct {
	Path string
}

// ChildExited reports that some descendant exited and should be reaped.
type ChildExited struct{}

// WakeUp unblocks a waiting loop so it can observe a stop request.
type WakeUp struct{}

func (FileChanged) event() {}
func (ChildExited) event() {}
func (WakeUp) event()      {}

// Stopper receives shutdown requests from the signal proxy.
type Stopper interface {
	Stop()
}

// StopFunc adapts a function to Stopper.
type StopFunc func()

func (f StopFunc) Stop() { f() }
