package output

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

// TableFormatter renders structs or slices of structs as a kubectl-style
// borderless table. An empty Fields list shows every exported field with a
// json tag, in declaration order.
type TableFormatter struct {
	Fields []string
}

func (f *TableFormatter) Write(w io.Writer, data interface{}) error {
	val := reflect.ValueOf(data)
	if val.Kind() == reflect.Slice {
		return f.writeRows(w, val)
	}
	// A single item renders as a one-row table.
	slice := reflect.MakeSlice(reflect.SliceOf(val.Type()), 0, 1)
	return f.writeRows(w, reflect.Append(slice, val))
}

func (f *TableFormatter) writeRows(w io.Writer, val reflect.Value) error {
	if val.Len() == 0 {
		fmt.Fprintln(w, "No items found")
		return nil
	}

	headers := f.headers(reflect.ValueOf(val.Index(0).Interface()))
	if len(headers) == 0 {
		fmt.Fprintln(w, "No items found")
		return nil
	}

	display := make([]string, len(headers))
	for i, h := range headers {
		parts := strings.Split(h, ".")
		display[i] = strings.ToUpper(strings.ReplaceAll(parts[len(parts)-1], "_", " "))
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(display)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)

	for i := 0; i < val.Len(); i++ {
		item := reflect.ValueOf(val.Index(i).Interface())
		row := make([]string, len(headers))
		for j, h := range headers {
			row[j] = formatValue(fieldByPath(item, h))
		}
		table.Append(row)
	}

	table.Render()
	return nil
}

func (f *TableFormatter) headers(val reflect.Value) []string {
	if len(f.Fields) > 0 {
		return f.Fields
	}
	for val.Kind() == reflect.Ptr && !val.IsNil() {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return []string{"value"}
	}
	t := val.Type()
	headers := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		if tag := jsonTag(field); tag != "" && tag != "-" {
			headers = append(headers, tag)
		}
	}
	return headers
}

func formatValue(v interface{}) string {
	if v == nil {
		return ""
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return ""
		}
		return formatValue(rv.Elem().Interface())
	}

	if t, ok := v.(time.Time); ok {
		if t.IsZero() {
			return ""
		}
		// Recent timestamps read better as age.
		if since := time.Since(t); since >= 0 && since < 24*time.Hour {
			return formatAge(since)
		}
		return t.Local().Format("2006-01-02 15:04")
	}

	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.String {
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = rv.Index(i).String()
		}
		return strings.Join(parts, ",")
	}

	return fmt.Sprintf("%v", v)
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

func jsonTag(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	return name
}

// fieldByPath resolves "limits.cpu" style paths against struct fields by
// json tag or Go name.
func fieldByPath(v reflect.Value, fieldPath string) interface{} {
	for _, part := range strings.Split(fieldPath, ".") {
		for v.Kind() == reflect.Ptr {
			if v.IsNil() {
				return nil
			}
			v = v.Elem()
		}
		if !v.IsValid() || v.Kind() != reflect.Struct {
			return nil
		}

		t := v.Type()
		found := false
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if jsonTag(field) == part || field.Name == part {
				v = v.Field(i)
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	}
	if !v.IsValid() {
		return nil
	}
	return v.Interface()
}
