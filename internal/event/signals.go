package event

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dillendev/up/internal/logger"
)

// SignalProxy turns SIGCHLD into ChildExited events and SIGTERM/SIGINT into
// stop requests.
type SignalProxy struct {
	events chan<- Event
	stop   Stopper
	sigs   chan os.Signal
	log    *slog.Logger
}

// NewSignalProxy subscribes to the signals right away so nothing delivered
// before Run is lost.
func NewSignalProxy(events chan<- Event, stop Stopper, log *slog.Logger) *SignalProxy {
	sigs := make(chan os.Signal, 16)
	signal.Notify(sigs, syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT)
	return newSignalProxy(sigs, events, stop, log)
}

// NewChildProxy only forwards SIGCHLD, leaving termination signals to the
// embedding program.
func NewChildProxy(events chan<- Event, log *slog.Logger) *SignalProxy {
	sigs := make(chan os.Signal, 16)
	signal.Notify(sigs, syscall.SIGCHLD)
	return newSignalProxy(sigs, events, StopFunc(func() {}), log)
}

func newSignalProxy(sigs chan os.Signal, events chan<- Event, stop Stopper, log *slog.Logger) *SignalProxy {
	if log == nil {
		log = logger.Discard()
	}
	return &SignalProxy{
		events: events,
		stop:   stop,
		sigs:   sigs,
		log:    logger.Component(log, "signals"),
	}
}

// Run forwards signals until ctx is done.
func (p *SignalProxy) Run(ctx context.Context) {
	defer signal.Stop(p.sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-p.sigs:
			switch sig {
			case syscall.SIGCHLD:
				select {
				case p.events <- ChildExited{}:
				case <-ctx.Done():
					return
				}
			case syscall.SIGTERM, syscall.SIGINT:
				p.log.Info("Received signal, shutting down", "signal", sig.String())
				p.stop.Stop()
			default:
				p.log.Debug("Ignoring signal", "signal", sig.String())
			}
		}
	}
}
