package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// formatOf picks the decoder from the file extension. Anything that is not
// .yaml or .yml is read as JSON.
func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// Decode strictly decodes JSON or, for .yaml/.yml paths, YAML config bytes.
// Unknown keys and trailing data are errors. Errors name path and, for JSON
// input, the line and column of the offending value.
func Decode(path string, data []byte) (*Config, error) {
	format := formatOf(path)
	jb := data
	if format == "yaml" {
		var err error
		if jb, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, decodeError(path, format, jb, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("config %s: trailing data", path)
		}
		return nil, decodeError(path, format, jb, err)
	}
	return &cfg, nil
}

// decodeError prefixes err with the config path. Offsets only map back to
// the file for JSON; YAML was converted first, so its position is dropped.
func decodeError(path, format string, data []byte, err error) error {
	var offset int64 = -1
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syn):
		offset = syn.Offset
	case errors.As(err, &typ):
		offset = typ.Offset
	}
	if format == "json" && offset >= 0 {
		line, col := lineCol(data, offset)
		return fmt.Errorf("config %s:%d:%d: %w", path, line, col, err)
	}
	return fmt.Errorf("config %s: decode %s: %w", path, format, err)
}

func lineCol(data []byte, offset int64) (int, int) {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	head := data[:offset]
	line := bytes.Count(head, []byte{'\n'}) + 1
	return line, len(head) - bytes.LastIndexByte(head, '\n')
}

// yamlToJSON re-encodes a YAML document as JSON so both formats share the
// strict decoder. yaml.v3 already reports duplicate keys and line numbers.
func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if v == nil {
		// An empty document decodes like "{}".
		return []byte("{}"), nil
	}
	return json.Marshal(stringKeys(v))
}

// stringKeys rewrites map[any]any nodes, which yaml.v3 produces when a key
// is not a string ("1: x", "true: y"), so the tree is JSON-encodable.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}
