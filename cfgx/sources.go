package cfgx

import (
	"encoding"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/erlorenz/fanout/cfgx/internal/casing"
)

const (
	dockerPath    = "/run/secrets"
	maxSecretSize = 1 << 20 // 1MB - max size for secret files
)

var durationType = reflect.TypeFor[time.Duration]()

// setField parses raw into the field according to its type.
func setField(field ConfigField, raw string) error {
	if field.Value.CanAddr() {
		if u, ok := field.Value.Addr().Interface().(encoding.TextUnmarshaler); ok {
			if err := u.UnmarshalText([]byte(raw)); err != nil {
				return fmt.Errorf("cannot set %s: %w", field.Path, err)
			}
			return nil
		}
	}

	if field.Value.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("cannot parse duration %s: %w", field.Path, err)
		}
		field.Value.SetInt(int64(d))
		return nil
	}

	var err error
	switch field.Kind {
	case reflect.String:
		field.Value.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var n int64
		if n, err = strconv.ParseInt(raw, 10, field.Value.Type().Bits()); err == nil {
			field.Value.SetInt(n)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		var n uint64
		if n, err = strconv.ParseUint(raw, 10, field.Value.Type().Bits()); err == nil {
			field.Value.SetUint(n)
		}
	case reflect.Float32, reflect.Float64:
		var f float64
		if f, err = strconv.ParseFloat(raw, field.Value.Type().Bits()); err == nil {
			field.Value.SetFloat(f)
		}
	case reflect.Bool:
		var b bool
		if b, err = strconv.ParseBool(raw); err == nil {
			field.Value.SetBool(b)
		}
	case reflect.Slice:
		if field.Value.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("cannot set %s: unsupported slice of %s", field.Path, field.Value.Type().Elem())
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Value.Set(reflect.ValueOf(parts).Convert(field.Value.Type()))
	default:
		return fmt.Errorf("cannot set %s: unimplemented kind %s", field.Path, field.Kind)
	}

	if err != nil {
		return fmt.Errorf("cannot set %s: %w", field.Path, err)
	}
	return nil
}

// applyLookup sets every field whose name is found by lookup.
func applyLookup(fields map[string]ConfigField, name func(ConfigField) string, lookup func(string) (string, bool)) error {
	var allErrs []error
	for _, field := range fields {
		raw, ok := lookup(name(field))
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			allErrs = append(allErrs, err)
		}
	}
	return joinErrors(allErrs)
}

// Default ===================================================================
type defaultSource struct {
	priority int
}

func (s *defaultSource) Priority() int {
	return s.priority
}

func (s *defaultSource) Process(fields map[string]ConfigField) error {
	return applyLookup(fields, func(f ConfigField) string { return f.Path }, func(path string) (string, bool) {
		return fields[path].Tag.Lookup(tagDefault)
	})
}

// Env ====================================================================
type envSource struct {
	priority int
	prefix   string
}

func (s *envSource) Priority() int {
	return s.priority
}

func (s *envSource) Process(fields map[string]ConfigField) error {
	return applyLookup(fields, func(f ConfigField) string { return envName(f, s.prefix) }, os.LookupEnv)
}

// Dotenv ====================================================================

// DotenvSource reads variables from .env files using the same names as the
// environment source. Missing files are skipped; later files override
// earlier ones. Real environment variables still win because they are
// processed at a higher priority.
type DotenvSource struct {
	Paths         []string
	Prefix        string
	PriorityLevel int
}

// NewDotenvSource reads the given files, or ".env" if none are given, at
// PriorityDotenv (25).
func NewDotenvSource(paths ...string) *DotenvSource {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return &DotenvSource{Paths: paths, PriorityLevel: PriorityDotenv}
}

// Priority implements [Source].
func (s *DotenvSource) Priority() int {
	return s.PriorityLevel
}

// Process implements [Source].
func (s *DotenvSource) Process(fields map[string]ConfigField) error {
	vars := map[string]string{}
	for _, path := range s.Paths {
		m, err := godotenv.Read(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		for k, v := range m {
			vars[k] = v
		}
	}

	return applyLookup(fields, func(f ConfigField) string { return envName(f, s.Prefix) }, func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	})
}

// Flag ===================================================================
type flagSource struct {
	priority int
	opts     Options
}

func (s *flagSource) Priority() int {
	return s.priority
}

func (s *flagSource) helpShown(err error) bool {
	return errors.Is(err, flag.ErrHelp)
}

// Process registers one flag per field, plus its short alias, and applies
// only the flags present on the command line.
func (s *flagSource) Process(fields map[string]ConfigField) error {
	flags := flag.NewFlagSet(s.opts.ProgramName, s.opts.ErrorHandling)

	type setting struct {
		field ConfigField
		raw   string
	}
	var given []setting

	for _, field := range fields {
		names := []string{casing.ToKebab(field.Path)}
		if tagVal, ok := field.Tag.Lookup(tagFlag); ok {
			names[0] = tagVal
		}
		if short := field.Tag.Get(tagShort); short != "" {
			names = append(names, short)
		}

		for _, name := range names {
			record := func(raw string) error {
				given = append(given, setting{field, raw})
				return nil
			}
			if field.Kind == reflect.Bool {
				flags.BoolFunc(name, field.Description, func(raw string) error {
					if _, err := strconv.ParseBool(raw); err != nil {
						return err
					}
					return record(raw)
				})
				continue
			}
			flags.Func(name, field.Description, record)
		}
	}

	if err := flags.Parse(s.opts.Args); err != nil {
		return fmt.Errorf("failed parsing flags: %w", err)
	}

	var allErrs []error
	for _, g := range given {
		if err := setField(g.field, g.raw); err != nil {
			allErrs = append(allErrs, err)
		}
	}
	return joinErrors(allErrs)
}

// ====================================================================
// Docker Secrets

// DockerSecretsSource wraps a [FileContentSource].
// It reads the docker secret file at “/run/secrets/<secret_name>“.
// It defaults to snake case based on the struct path.
// Override the name with the tag "dsec".
type DockerSecretsSource struct {
	SecretsPath string
	FileContentSource
}

// Process opens an [os.Root] and calls the underlying [FileContentSource]'s
// Process method with the [os.Root.FS]. A missing secrets directory is not
// an error.
func (s *DockerSecretsSource) Process(structMap map[string]ConfigField) error {
	root, err := os.OpenRoot(s.SecretsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open docker path: %w", err)
	}
	defer root.Close()

	s.FileContentSource.FS = root.FS()
	return s.FileContentSource.Process(structMap)
}

// NewDockerSecretsSource sets a priority of PrioritySecrets (75), a tag of "dsec",
// and a secrets path of `/run/secrets`.
func NewDockerSecretsSource() *DockerSecretsSource {
	return &DockerSecretsSource{
		SecretsPath: dockerPath,
		FileContentSource: FileContentSource{
			PriorityLevel: PrioritySecrets,
			Tag:           tagDockerSecret,
		},
	}
}

// FileContentSource reads one file per field from FS. The file name is the
// snake_case path unless Tag names it. Prefer one of the implementations,
// e.g. DockerSecretsSource, which can supply an [os.Root.FS].
type FileContentSource struct {
	PriorityLevel int
	Tag           string
	FS            fs.FS
}

// Priority implements [Source].
func (s *FileContentSource) Priority() int {
	return s.PriorityLevel
}

// Process implements [Source].
func (s *FileContentSource) Process(structMap map[string]ConfigField) error {
	if s.FS == nil {
		return fmt.Errorf("process FileContentSource: fs.FS cannot be nil")
	}

	var allErrs []error
	for path, field := range structMap {
		name := casing.ToSnake(path)
		if tagVal, ok := field.Tag.Lookup(s.Tag); ok {
			name = tagVal
		}

		raw, ok, err := s.read(name)
		if err != nil {
			allErrs = append(allErrs, err)
			continue
		}
		if !ok {
			continue
		}

		if err := setField(field, raw); err != nil {
			allErrs = append(allErrs, err)
		}
	}

	return joinErrors(allErrs)
}

// read returns the trimmed file content, or ok=false if it doesn't exist.
func (s *FileContentSource) read(name string) (string, bool, error) {
	file, err := s.FS.Open(name)
	if err != nil {
		return "", false, nil
	}
	defer file.Close()

	b, err := io.ReadAll(io.LimitReader(file, maxSecretSize+1))
	if err != nil {
		return "", false, fmt.Errorf("cannot read file %s: %w", name, err)
	}
	if len(b) > maxSecretSize {
		return "", false, fmt.Errorf("file %s exceeds max size of %d bytes", name, maxSecretSize)
	}
	return strings.TrimSpace(string(b)), true, nil
}
