package eventcore

// Logger is a minimal, framework-agnostic logging facade. The core depends
// only on this interface, never on a concrete logging library, so that
// embedders can plug in whatever they already use; packages that need a
// concrete backend (eventcore/process) wire a real one (logrus) at their
// own layer instead of forcing it on the core.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// noopLogger discards everything; it is the Loop's default when no Logger
// is supplied.
type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// WithLogger installs a Logger on the Loop.
func WithLogger(l Logger) LoopOption {
	return loopOptionFunc(func(cfg *loopConfig) {
		if l != nil {
			cfg.logger = l
		}
	})
}
