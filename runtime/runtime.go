// Package runtime acquires the interpreter a playground runs code on.
//
// The interpreter is created by an injected [Factory], which stands in for the
// hosting environment's interpreter capability, and is initialised at most
// once per playground by a [Loader]:
//
//	loader := runtime.NewLoader(star.New(), runtime.DefaultConfig(), sink)
//	loader.Start(ctx)
//	<-loader.Done()
//	if interp, ok := loader.Handle(); ok {
//	    interp.Run(ctx, `print("hello")`)
//	}
package runtime

import (
	"context"
	"errors"
)

// DefaultPackage is the numeric extension package every playground loads.
const DefaultPackage = "numpy"

var (
	ErrRuntimeUnavailable = errors.New("interpreter runtime not available")
	ErrUnknownPackage     = errors.New("unknown package")
	ErrClosed             = errors.New("runtime closed")
)

// Config describes where an interpreter comes from and what it needs.
type Config struct {
	// IndexURL is the location interpreter assets are resolved against:
	// an http(s) URL, a file:// URL or a local directory.
	IndexURL string
	// Packages are loaded, in order, right after the interpreter is created.
	Packages []string
}

// DefaultConfig loads only the numeric extension package.
func DefaultConfig() Config {
	return Config{Packages: []string{DefaultPackage}}
}

// Factory creates interpreter instances.
type Factory interface {
	CreateInterpreter(ctx context.Context, cfg Config) (Interpreter, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, cfg Config) (Interpreter, error)

func (f FactoryFunc) CreateInterpreter(ctx context.Context, cfg Config) (Interpreter, error) {
	return f(ctx, cfg)
}

// Interpreter is an initialised runtime instance. Run is synchronous: every
// stdout and stderr callback for a submission happens before Run returns.
type Interpreter interface {
	// LoadPackage makes an extension package available to submitted code.
	LoadPackage(ctx context.Context, name string) error
	// SetStdout sets the per-line standard output destination.
	SetStdout(fn func(line string))
	// SetStderr sets the per-line standard error destination.
	SetStderr(fn func(line string))
	// Run executes code. A fault raised by the code is returned as *FaultError;
	// any other error means the interpreter itself failed.
	Run(ctx context.Context, code string) error
	Close(ctx context.Context) error
}

// FaultError is an unhandled error raised by submitted code.
type FaultError struct {
	Message   string
	Traceback string
}

func (e *FaultError) Error() string {
	return e.Message
}

// AsFault reports whether err carries a *FaultError.
func AsFault(err error) (*FaultError, bool) {
	var fault *FaultError
	if errors.As(err, &fault) {
		return fault, true
	}
	return nil, false
}
