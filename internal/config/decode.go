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

// Decode parses data as JSON, or as YAML when path ends in .yaml or .yml.
// Unknown fields and trailing data are errors.
func Decode(path string, data []byte) (*Config, error) {
	cfg, _, err := decode(path, data)
	return cfg, err
}

// decode also returns the normalized JSON, which is what change detection
// compares: comments and formatting never count as a change.
func decode(path string, data []byte) (*Config, []byte, error) {
	jb, err := toJSON(path, data)
	if err != nil {
		return nil, nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, nil, errors.New("trailing data after config document")
	case !errors.Is(err, io.EOF):
		return nil, nil, err
	}
	norm, err := json.Marshal(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, norm, nil
}

// toJSON turns a YAML file into JSON so both formats go through the same
// strict decoder. Files not ending in .yaml or .yml pass through unchanged.
func toJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if v == nil {
		return []byte("{}"), nil
	}
	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return j, nil
}

// stringKeys rewrites map[any]any nodes so encoding/json accepts them.
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
