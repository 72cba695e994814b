// Package cfgx parses configuration into a struct from several sources in a
// predictable precedence order: command line flags > docker secrets >
// environment variables > .env files > defaults.
//
// Struct tags customize names and validation:
//
//	env       environment variable name (default: SCREAMING_SNAKE of the path)
//	flag      flag name (default: kebab-case of the path)
//	short     additional short flag name
//	default   default value
//	desc      description for help output
//	optional  "true" allows the zero value
//	dsec      docker secret file name (default: snake_case of the path)
//
// Fields may be strings, bools, integers, floats, time.Duration, string
// slices (comma separated), or any type implementing encoding.TextUnmarshaler.
package cfgx

import (
	"cmp"
	"encoding"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"reflect"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/erlorenz/fanout/cfgx/internal/casing"
)

const (
	tagEnv         = "env"
	tagFlag        = "flag"
	tagDefault     = "default"
	tagDescription = "desc"     // Description for help messages
	tagOptional    = "optional" // Mark field as optional
	tagShort       = "short"    // Short flag in addition

	tagDockerSecret = "dsec"
)

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

// Source processes the ConfigField map and applies values to the config
// struct. Choose a priority to process before or after other sources.
type Source interface {
	Priority() int
	Process(map[string]ConfigField) error
}

// Options holds options for the Parse function.
type Options struct {
	// ProgramName is the name of the running program (defaults to os.Args[0]).
	ProgramName string
	// EnvPrefix adds a prefix to environment variable lookups.
	EnvPrefix string
	// SkipFlags ignores command line flags.
	SkipFlags bool
	// SkipEnv ignores environment variables.
	SkipEnv bool
	// Args provides command line arguments (defaults to os.Args[1:]).
	Args []string
	// ErrorHandling determines how parsing errors are handled.
	ErrorHandling flag.ErrorHandling
	// Sources adds additional sources.
	Sources []Source
}

// Parse populates the config struct from its sources, lowest priority first:
//
// Default values from struct tags - 0,
// Environment variables - 50,
// Command line arguments - 100
//
// To add a source in order, choose a priority in between the included
// sources. A top level string field named Version receives the module
// version from the build info unless it is already set.
func Parse(cfg any, options Options) error {
	opts := setOptions(options)

	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return handleError(opts.ErrorHandling, ErrNotPointerToStruct)
	}

	// Fields that already hold a value are left alone.
	structMap := walkStruct(v.Elem(), "")

	sources := []Source{&defaultSource{priority: PriorityDefaults}}
	if !opts.SkipEnv {
		sources = append(sources, &envSource{priority: PriorityEnv, prefix: opts.EnvPrefix})
	}
	if !opts.SkipFlags {
		sources = append(sources, &flagSource{priority: PriorityFlags, opts: opts})
	}
	sources = append(sources, opts.Sources...)

	if version, ok := structMap["Version"]; ok && version.Kind == reflect.String {
		version.Value.SetString(buildVersion())
	}

	slices.SortStableFunc(sources, func(a, b Source) int {
		return cmp.Compare(a.Priority(), b.Priority())
	})

	var errs []error
	for _, source := range sources {
		if err := source.Process(structMap); err != nil {
			if fs, ok := source.(*flagSource); ok && fs.helpShown(err) {
				return err
			}
			errs = append(errs, err)
		}
	}
	if err := joinErrors(errs); err != nil {
		return handleError(opts.ErrorHandling, fmt.Errorf("sources: %w", err))
	}

	if err := validateRequired(structMap); err != nil {
		return handleError(opts.ErrorHandling, fmt.Errorf("validation: %w", err))
	}

	return nil
}

func buildVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}
	return cmp.Or(bi.Main.Version, "(devel)")
}

// ConfigField represents a field in the config struct.
type ConfigField struct {
	Path        string
	Value       reflect.Value
	Kind        reflect.Kind
	Name        string
	StructField reflect.StructField
	Tag         reflect.StructTag
	Description string
}

// isLeaf reports whether a struct-kinded value is set as a whole.
func isLeaf(v reflect.Value) bool {
	return reflect.PointerTo(v.Type()).Implements(textUnmarshalerType)
}

// walkStruct gathers the settable leaf fields keyed by dotted path.
func walkStruct(v reflect.Value, currPath string) map[string]ConfigField {
	fields := map[string]ConfigField{}

	t := v.Type()

	for i := range v.NumField() {
		fieldVal := v.Field(i)
		structField := t.Field(i)
		if !structField.IsExported() {
			continue
		}

		path := structField.Name
		if currPath != "" {
			path = currPath + "." + structField.Name
		}

		if fieldVal.Kind() == reflect.Struct && !isLeaf(fieldVal) {
			maps.Copy(fields, walkStruct(fieldVal, path))
			continue
		}

		if !fieldVal.IsZero() {
			continue
		}

		tag := structField.Tag
		fields[path] = ConfigField{
			Path:        path,
			Value:       fieldVal,
			Kind:        fieldVal.Kind(),
			Name:        structField.Name,
			StructField: structField,
			Tag:         tag,
			Description: cmp.Or(tag.Get(tagDescription), path),
		}
	}
	return fields
}

// Error if required fields are missing
func validateRequired(fields map[string]ConfigField) error {
	var allErrs []error

	for _, path := range slices.Sorted(maps.Keys(fields)) {
		field := fields[path]

		reqVal, exists := field.Tag.Lookup(tagOptional)
		if exists && reqVal != "false" {
			continue
		}

		// false is a legitimate setting, not a missing one.
		if field.Kind == reflect.Bool {
			continue
		}

		if field.Value.IsZero() {
			allErrs = append(allErrs, fmt.Errorf("%s is required", path))
		}
	}

	if len(allErrs) > 0 {
		return &MultiError{allErrs}
	}
	return nil
}

// Handle the errors depending on the strategy
func handleError(errHandling flag.ErrorHandling, err error) error {
	switch errHandling {
	case flag.ExitOnError:
		slog.Error("Error parsing config struct.", "error", err)
		os.Exit(1)
	case flag.PanicOnError:
		panic(err)
	}
	return err
}

// envName is the variable name for field, honoring the env tag.
func envName(field ConfigField, prefix string) string {
	if name, ok := field.Tag.Lookup(tagEnv); ok {
		return name
	}
	return strings.TrimPrefix(prefix+"_", "_") + casing.ToScreamingSnake(field.Path)
}
