package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // archive.0.path
	Code    string // missing_required | unknown_field | type_mismatch | conflicting_values | invalid_enum ...
	Message string // Human text
	Pos     CueErrorPosition
	Raw     string // original message
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
	reEnum        = regexp.MustCompile(`(?i)must be one of|expected one of|empty disjunction`)
	reIndex       = regexp.MustCompile(`^\d+$`)
)

// enumFields maps a config path, list indexes removed, to the definition
// listing its allowed values.
var enumFields = map[string]string{
	"archive.type": "#Archive.type",
}

// CueErrDetails turns a LoadConfig validation error into one detail per
// offending position in the configuration file.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[CueErrorPosition]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		code, msg := classify(raw, path)

		pos := position(e)
		if pos.Filename == "" {
			continue
		}
		if _, ok := seen[pos]; ok {
			continue
		}
		seen[pos] = struct{}{}

		if def, ok := enumFields[withoutIndexes(path)]; ok && code != "unknown_field" {
			values, _ := enumStrings(definitions.LookupPath(cue.ParsePath(def)))
			msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
		}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     raw,
		})
	}
	return out
}

func enumStrings(v cue.Value) (values []string, def *string) {
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			def = &s
		}
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		if s, err := v.String(); err == nil {
			values = append(values, s)
		}
		return
	}
	seen := map[string]struct{}{}
	for _, a := range args {
		s, err := a.String()
		if err != nil {
			continue
		}
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			values = append(values, s)
		}
	}
	return
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
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

func withoutIndexes(path string) string {
	parts := strings.Split(path, ".")
	kept := parts[:0]
	for _, p := range parts {
		if !reIndex.MatchString(p) {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ".")
}

func classify(raw, path string) (code, msg string) {
	field := last(path)
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", "Field " + field + " is not allowed"
	case reIncomplete.MatchString(raw):
		return "missing_required", "Field " + field + " is required"
	case reEnum.MatchString(raw):
		return "invalid_enum", "Field " + field + " has invalid value"
	case reConflict.MatchString(raw):
		return "conflicting_values", "Conflicting values for " + field
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", "Field " + field + " has wrong type/value"
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
