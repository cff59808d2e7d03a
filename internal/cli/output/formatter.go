// Package output renders CLI results as tables, JSON, or YAML.
package output

import (
	"io"
	"strings"
)

type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// Formatter writes one command result to w.
type Formatter interface {
	Write(w io.Writer, data interface{}) error
}

// ParseFormat parses a format string; anything unrecognized is a table.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	default:
		return FormatTable
	}
}

// NewFormatter creates a formatter for the given format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{}
	case FormatYAML:
		return &YAMLFormatter{}
	default:
		return &TableFormatter{}
	}
}

// NewTableFormatter creates a table formatter restricted to the named fields,
// in order. Fields address struct members by their json tag, with dots for
// nesting.
func NewTableFormatter(fields []string) Formatter {
	return &TableFormatter{Fields: fields}
}
