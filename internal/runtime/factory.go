package runtime

import (
	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
)

// Decorator wraps a runtime with an execution environment, such as the
// container runner. Wrap must return inner unchanged when the agent does
// not use the environment.
type Decorator interface {
	Wrap(inner Runtime, agent *config.Agent) Runtime
}

// Factory selects the runtime implementation for an agent.
type Factory struct {
	logger    *logger.Logger
	binary    string
	decorator Decorator
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithDecorator installs an environment decorator applied to every runtime
// the factory produces.
func WithDecorator(d Decorator) FactoryOption {
	return func(f *Factory) { f.decorator = d }
}

// WithProviderBinary overrides the provider executable for all runtimes.
func WithProviderBinary(binary string) FactoryOption {
	return func(f *Factory) { f.binary = binary }
}

// NewFactory creates a runtime factory.
func NewFactory(log *logger.Logger, opts ...FactoryOption) *Factory {
	f := &Factory{logger: log}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// For returns the runtime executing jobs for agent.
func (f *Factory) For(agent *config.Agent) Runtime {
	var rt Runtime
	switch agent.Runtime {
	case config.RuntimeExternal:
		var opts []ExternalOption
		if f.binary != "" {
			opts = append(opts, WithBinary(f.binary))
		}
		rt = NewExternalRuntime(f.logger, opts...)
	default:
		direct := NewDirectRuntime(f.logger)
		direct.binary = f.binary
		rt = direct
	}
	if f.decorator != nil {
		rt = f.decorator.Wrap(rt, agent)
	}
	return rt
}
