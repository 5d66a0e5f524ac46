package orchestrator

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// Finalizer guarantees the release function runs exactly once, whether the
// session ends normally or by SIGINT/SIGTERM. Construct it before the first
// mutating call so an interrupt during provisioning still cleans up.
type Finalizer struct {
	logger  zerolog.Logger
	release func()
	once    sync.Once
	signals chan os.Signal
	exit    func(int)
}

func NewFinalizer(logger zerolog.Logger, release func()) *Finalizer {
	f := &Finalizer{
		logger:  logger,
		release: release,
		signals: make(chan os.Signal, 1),
		exit:    os.Exit,
	}
	signal.Notify(f.signals, syscall.SIGINT, syscall.SIGTERM)
	go f.watch()
	return f
}

func (f *Finalizer) watch() {
	sig, ok := <-f.signals
	if !ok {
		return
	}
	f.logger.Warn().Str("signal", sig.String()).Msg("interrupted, releasing sandbox")
	f.fire()
	f.exit(1)
}

// Release runs the cleanup on the normal path and disarms the signal watch.
func (f *Finalizer) Release() {
	f.fire()
}

func (f *Finalizer) fire() {
	f.once.Do(func() {
		signal.Stop(f.signals)
		close(f.signals)
		f.release()
	})
}
