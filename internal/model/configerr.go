package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// ConfigError is one invalid field of a configuration file.
type ConfigError struct {
	Path    string // function.ready_timeout
	Code    string // unknown_field | missing_required | conflicting_values | invalid_value | validation_error
	Message string
	Pos     token.Pos
}

func (e ConfigError) String() string {
	if e.Pos.IsValid() {
		return e.Pos.String() + ": " + e.Message
	}
	return e.Message
}

// LogValue implements slog.LogValuer.
func (e ConfigError) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("code", e.Code),
		slog.String("path", e.Path),
		slog.String("message", e.Message),
	}
	if e.Pos.IsValid() {
		attrs = append(attrs,
			slog.String("file", e.Pos.Filename()),
			slog.Int("line", e.Pos.Line()),
			slog.Int("column", e.Pos.Column()))
	}
	return slog.GroupValue(attrs...)
}

var errorCodes = []struct {
	code string
	rx   *regexp.Regexp
}{
	{"unknown_field", regexp.MustCompile(`(?i)not allowed|unknown field`)},
	{"missing_required", regexp.MustCompile(`(?i)incomplete value`)},
	{"conflicting_values", regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)},
	{"invalid_value", regexp.MustCompile(`(?i)out of bound|does not match|invalid value|expected`)},
}

// CueErrDetails turns an error returned by LoadConfig into one ConfigError
// per offending field. Repeated reports of the same problem are merged.
func CueErrDetails(err error) []ConfigError {
	if err == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []ConfigError
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := fieldPath(e.Path())

		code := "validation_error"
		for _, c := range errorCodes {
			if c.rx.MatchString(raw) {
				code = c.code
				break
			}
		}
		key := path + "\x00" + code
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		out = append(out, ConfigError{
			Path:    path,
			Code:    code,
			Message: describe(code, path, raw),
			Pos:     e.Position(),
		})
	}
	return out
}

func describe(code, path, raw string) string {
	switch code {
	case "unknown_field":
		return fmt.Sprintf("field %s is not allowed", path)
	case "missing_required":
		return fmt.Sprintf("field %s is required", path)
	case "conflicting_values", "invalid_value":
		msg := fmt.Sprintf("field %s has invalid value", path)
		if values := allowedValues(path); len(values) > 0 {
			msg += ", possible values: " + strings.Join(values, ", ")
		}
		return msg
	default:
		return raw
	}
}

// allowedValues lists the alternatives of a field defined as a disjunction
// of string literals, like engine.type.
func allowedValues(path string) []string {
	if path == "" {
		return nil
	}
	op, args := schema.LookupPath(cue.ParsePath(path)).Expr()
	if op != cue.OrOp {
		return nil
	}
	var values []string
	for _, a := range args {
		s, err := a.String()
		if err != nil {
			return nil
		}
		if !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values
}

// fieldPath joins a CUE error path, without the leading #Config.
func fieldPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
