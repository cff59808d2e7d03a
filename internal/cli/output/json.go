package output

import (
	"encoding/json"
	"io"
)

// JSONFormatter renders indented JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) Write(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
