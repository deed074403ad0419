package sap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a profile document from disk, choosing the decoder from the
// file extension: .jsap and .json are decoded as JSON, everything else
// (.ysap, .yaml, .yml) as YAML. The document is validated before it is
// returned.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsap", ".json":
		return ParseJSON(data)
	default:
		return Parse(data)
	}
}

// Parse decodes a YAML profile document and validates it
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ParseJSON decodes a JSON profile document and validates it
func ParseJSON(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}
