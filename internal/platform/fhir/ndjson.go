package fhir

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// NDJSONWriter writes resources one JSON object per line, the layout used by
// FHIR bulk data files.
type NDJSONWriter struct {
	w     *bufio.Writer
	lines int
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{w: bufio.NewWriter(w)}
}

// WriteResource renders r with ToFHIR and appends it as one line.
func (n *NDJSONWriter) WriteResource(r Resource) error {
	return n.WriteObject(r.ToFHIR())
}

// WriteObject appends any JSON-marshallable value as one line.
func (n *NDJSONWriter) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal ndjson line %d: %w", n.lines+1, err)
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	if err := n.w.WriteByte('\n'); err != nil {
		return err
	}
	n.lines++
	return nil
}

// Lines counts the lines written so far.
func (n *NDJSONWriter) Lines() int { return n.lines }

func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}
