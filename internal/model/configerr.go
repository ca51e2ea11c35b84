package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigError lists the schema violations of a configuration.
type ConfigError struct {
	Details []ConfigErrorDetail
	err     error
}

func (e *ConfigError) Error() string {
	msgs := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		msgs = append(msgs, d.String())
	}
	return strings.Join(msgs, "\n")
}

func (e *ConfigError) Unwrap() error {
	return e.err
}

type ConfigErrorDetail struct {
	Path    string // tasks.0.name
	Code    string // missing_required | unknown_field | conflicting_values | type_mismatch | validation_error
	Message string // Human text
	Pos     ConfigErrorPosition
	Raw     string // cue message
}

func (d ConfigErrorDetail) String() string {
	if d.Path == "" {
		return d.Raw
	}
	return d.Path + ": " + d.Raw
}

func (d ConfigErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", d.Code),
		slog.String("path", d.Path),
		slog.String("message", d.Message),
		slog.String("file", d.Pos.Filename),
		slog.Int("line", d.Pos.Line),
		slog.Int("column", d.Pos.Column),
	)
}

type ConfigErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
)

func newConfigError(err error) *ConfigError {
	ret := &ConfigError{err: err}
	seen := make(map[string]struct{})
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())

		key := path + "\x00" + raw
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		code, msg := classify(raw, path)
		ret.Details = append(ret.Details, ConfigErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     position(e),
			Raw:     raw,
		})
	}
	if len(ret.Details) == 0 {
		ret.Details = append(ret.Details, ConfigErrorDetail{
			Code:    "validation_error",
			Message: err.Error(),
			Raw:     err.Error(),
		})
	}
	return ret
}

func position(err cueerrors.Error) ConfigErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return ConfigErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return ConfigErrorPosition{}
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// Remove leading definition (#Config)
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", last(path))
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value", last(path))
	default:
		return "validation_error", raw
	}
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
