package cfgx

import (
	"flag"
	"os"
)

// Source priorities. Sources run from lowest to highest, so higher
// priorities win.
const (
	PriorityDefaults = 0
	PriorityDotenv   = 25
	PriorityEnv      = 50
	PrioritySecrets  = 75
	PriorityFlags    = 100
)

// DefaultConfigOptions are the default set of configuration options.
// Each option can be overridden.
var DefaultConfigOptions = Options{
	ProgramName:   os.Args[0],
	Args:          os.Args[1:],
	ErrorHandling: flag.ContinueOnError,
}

// setOptions fills the zero fields of options from DefaultConfigOptions.
func setOptions(options Options) Options {
	opts := options
	if opts.ProgramName == "" {
		opts.ProgramName = DefaultConfigOptions.ProgramName
	}
	if opts.Args == nil {
		opts.Args = DefaultConfigOptions.Args
	}
	return opts
}
