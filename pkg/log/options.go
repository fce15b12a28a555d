package log

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Options configures NewLogger. The yaml tags let it sit inside fleetinspect.yml.
type Options struct {
	Name          string   `yaml:"name" mapstructure:"name"`
	Level         string   `yaml:"level" mapstructure:"level"`
	Format        string   `yaml:"format" mapstructure:"format"`
	EnableColor   bool     `yaml:"enable_color" mapstructure:"enable-color"`
	DisableCaller bool     `yaml:"disable_caller" mapstructure:"disable-caller"`
	CallerSkip    int      `yaml:"caller_skip" mapstructure:"caller-skip"`
	OutputPaths   []string `yaml:"output_paths" mapstructure:"output-paths"`
}

// NewOptions returns defaults suited to an interactive CLI.
func NewOptions() *Options {
	return &Options{
		Level:       "info",
		Format:      "console",
		EnableColor: false,
		CallerSkip:  1,
		OutputPaths: []string{"stderr"},
	}
}

// Validate reports option values zap would reject.
func (o *Options) Validate() []error {
	var errs []error
	switch o.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", o.Format))
	}
	switch o.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", o.Level))
	}
	return errs
}

// AddFlags binds the options to fs under the log. prefix.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, "log.name", o.Name, "Optional logger name.")
	fs.StringVar(&o.Level, "log.level", o.Level, "Minimum level: debug, info, warn, error.")
	fs.StringVar(&o.Format, "log.format", o.Format, "Output format: console or json.")
	fs.BoolVar(&o.EnableColor, "log.enable-color", o.EnableColor, "Colorize levels in console format.")
	fs.BoolVar(&o.DisableCaller, "log.disable-caller", o.DisableCaller, "Omit the caller field.")
	fs.StringSliceVar(&o.OutputPaths, "log.output-paths", o.OutputPaths, "Log sinks, e.g. stderr or /var/log/fi.log.")
}
