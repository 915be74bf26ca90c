package synchronicity

import (
	"time"

	"github.com/joeycumines/logiface"
)

// synchronizerOptions holds configuration resolved from SynchronizerOption
// values.
type synchronizerOptions struct {
	name             string
	logger           *logiface.Logger[logiface.Event]
	errorCallback    func(error)
	shutdownGrace    time.Duration
	signalHandling   bool
	multiwrapWarning bool
}

// defaultShutdownGrace bounds the shutdown drain when no override is given.
const defaultShutdownGrace = 5 * time.Second

// SynchronizerOption configures a Synchronizer instance.
type SynchronizerOption interface {
	applySynchronizer(*synchronizerOptions)
}

type synchronizerOptionImpl struct {
	fn func(*synchronizerOptions)
}

func (o *synchronizerOptionImpl) applySynchronizer(opts *synchronizerOptions) {
	o.fn(opts)
}

// WithName sets the Synchronizer's logical name, used in log fields and error
// messages. Synchronizers obtained via [GetSynchronizer] are named after
// their lookup key.
func WithName(name string) SynchronizerOption {
	return &synchronizerOptionImpl{func(opts *synchronizerOptions) {
		opts.name = name
	}}
}

// WithLogger attaches a structured logger. A nil logger (the default)
// disables logging; all log sites are nil-safe.
func WithLogger(logger *logiface.Logger[logiface.Event]) SynchronizerOption {
	return &synchronizerOptionImpl{func(opts *synchronizerOptions) {
		opts.logger = logger
	}}
}

// WithErrorCallback registers a callback for errors that surface with no
// caller to report to: work abandoned at shutdown and loop crashes.
// The callback may be invoked from the loop goroutine and must not block.
func WithErrorCallback(fn func(error)) SynchronizerOption {
	return &synchronizerOptionImpl{func(opts *synchronizerOptions) {
		opts.errorCallback = fn
	}}
}

// WithShutdownGrace bounds how long Close waits for cancelled work to unwind
// before abandoning it. The default is 5 seconds.
func WithShutdownGrace(d time.Duration) SynchronizerOption {
	return &synchronizerOptionImpl{func(opts *synchronizerOptions) {
		if d > 0 {
			opts.shutdownGrace = d
		}
	}}
}

// WithSignalHandling controls interrupt forwarding: while a blocking call is
// in flight, an os.Interrupt cancels the in-flight background task so the
// blocking caller is released promptly. Enabled by default; the previous
// signal disposition is restored once no blocking calls remain.
func WithSignalHandling(enabled bool) SynchronizerOption {
	return &synchronizerOptionImpl{func(opts *synchronizerOptions) {
		opts.signalHandling = enabled
	}}
}

// WithMultiwrapWarning logs a warning when an already-wrapped target is
// wrapped again (the existing wrapper is still returned).
func WithMultiwrapWarning(enabled bool) SynchronizerOption {
	return &synchronizerOptionImpl{func(opts *synchronizerOptions) {
		opts.multiwrapWarning = enabled
	}}
}

func resolveSynchronizerOptions(opts []SynchronizerOption) *synchronizerOptions {
	cfg := &synchronizerOptions{
		name:           "default",
		shutdownGrace:  defaultShutdownGrace,
		signalHandling: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applySynchronizer(cfg)
	}
	return cfg
}

// wrapOptions holds per-wrapper configuration resolved from WrapOption
// values.
type wrapOptions struct {
	name         string
	targetModule string
	translateIO  bool
	allowFutures bool
}

// WrapOption configures a single wrap operation.
type WrapOption interface {
	applyWrap(*wrapOptions)
}

type wrapOptionImpl struct {
	fn func(*wrapOptions)
}

func (o *wrapOptionImpl) applyWrap(opts *wrapOptions) {
	o.fn(opts)
}

// WithWrapName places the wrapper under an explicit name, so introspection
// and error messages refer to it rather than to the implementation symbol.
func WithWrapName(name string) WrapOption {
	return &wrapOptionImpl{func(opts *wrapOptions) {
		opts.name = name
	}}
}

// WithTargetModule records the module/package string the wrapper should
// present itself as belonging to.
func WithTargetModule(module string) WrapOption {
	return &wrapOptionImpl{func(opts *wrapOptions) {
		opts.targetModule = module
	}}
}

// WithoutTranslation disables recursive argument/return translation for this
// wrapper in both directions, avoiding traversal cost for bulk-data calls.
func WithoutTranslation() WrapOption {
	return &wrapOptionImpl{func(opts *wrapOptions) {
		opts.translateIO = false
	}}
}

// WithoutFutures rejects the future-request call form for this wrapper.
func WithoutFutures() WrapOption {
	return &wrapOptionImpl{func(opts *wrapOptions) {
		opts.allowFutures = false
	}}
}

func resolveWrapOptions(opts []WrapOption) *wrapOptions {
	cfg := &wrapOptions{
		translateIO:  true,
		allowFutures: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyWrap(cfg)
	}
	return cfg
}
