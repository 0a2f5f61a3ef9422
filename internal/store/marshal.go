package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// marshalDocument converts a document to JSON TEXT for storage.
// HTML escaping is disabled so stored bodies match what callers wrote.
func marshalDocument(doc any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalDocument parses JSON TEXT into dst.
func unmarshalDocument(data string, dst any) error {
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("unmarshal document: %w", err)
	}
	return nil
}
