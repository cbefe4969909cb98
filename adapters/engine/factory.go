package engine

import (
	"fmt"

	"phaselock/internal"
	"phaselock/ports"
)

// Options selects and configures an engine
type Options struct {
	Kind    string
	Command CommandOptions
}

// New builds the engine named by opts.Kind
func New(opts Options, source ports.MapSource, logger *internal.Logger) (ports.AnalysisEngine, error) {
	switch opts.Kind {
	case "", KindBuiltin:
		return NewCoherence(source, logger), nil
	case KindCommand:
		return NewCommand(opts.Command, source, logger)
	default:
		return nil, fmt.Errorf("unknown engine kind %q (allowed: [%s %s])", opts.Kind, KindBuiltin, KindCommand)
	}
}
