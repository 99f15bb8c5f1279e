package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// OutputFormat selects how command results are rendered.
type OutputFormat string

const (
	// OutputFormatTable renders rounded tables.
	OutputFormatTable OutputFormat = "table"
	// OutputFormatJSON renders indented JSON.
	OutputFormatJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", OutputFormatTable:
		return OutputFormatTable, nil
	case OutputFormatJSON:
		return OutputFormatJSON, nil
	}
	return "", fmt.Errorf("unsupported output format %q (use table or json)", s)
}

// Field is one row of a key/value view.
type Field struct {
	Key   string
	Value interface{}
}

// Printer renders command results to one writer.
type Printer struct {
	out    io.Writer
	format OutputFormat
}

// NewPrinter creates a printer writing to out.
func NewPrinter(out io.Writer, format OutputFormat) *Printer {
	if format == "" {
		format = OutputFormatTable
	}
	return &Printer{out: out, format: format}
}

// Format returns the output format.
func (p *Printer) Format() OutputFormat {
	return p.format
}

// JSON writes v as indented JSON.
func (p *Printer) JSON(v interface{}) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table writes rows under headers. In JSON mode rows become a list of
// objects keyed by lower-cased header.
func (p *Printer) Table(headers []string, rows [][]interface{}) error {
	if p.format == OutputFormatJSON {
		objects := make([]map[string]interface{}, 0, len(rows))
		for _, row := range rows {
			obj := make(map[string]interface{}, len(headers))
			for i, h := range headers {
				if i < len(row) {
					obj[jsonKey(h)] = row[i]
				}
			}
			objects = append(objects, obj)
		}
		return p.JSON(objects)
	}

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = text.FgHiCyan.Sprint(strings.ToUpper(h))
	}
	t.AppendHeader(header)
	for _, row := range rows {
		t.AppendRow(table.Row(row))
	}
	t.Render()
	return nil
}

// Fields writes a two-column key/value view.
func (p *Printer) Fields(fields []Field) error {
	if p.format == OutputFormatJSON {
		obj := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			obj[jsonKey(f.Key)] = f.Value
		}
		return p.JSON(obj)
	}

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{text.FgHiCyan.Sprint("FIELD"), text.FgHiCyan.Sprint("VALUE")})
	for _, f := range fields {
		t.AppendRow(table.Row{text.Bold.Sprint(f.Key), f.Value})
	}
	t.Render()
	return nil
}

// Success prints a confirmation line. Silent in JSON mode.
func (p *Printer) Success(format string, args ...interface{}) {
	if p.format == OutputFormatJSON {
		return
	}
	fmt.Fprintln(p.out, text.FgGreen.Sprint("✓ ")+fmt.Sprintf(format, args...))
}

// Warn prints a highlighted warning line. Silent in JSON mode.
func (p *Printer) Warn(format string, args ...interface{}) {
	if p.format == OutputFormatJSON {
		return
	}
	fmt.Fprintln(p.out, text.FgYellow.Sprint("! ")+fmt.Sprintf(format, args...))
}

func jsonKey(header string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(header)), " ", "_")
}
