package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// YAMLLoader reads a YAML configuration file for kong. Keys match flag
// names; hyphens and underscores are interchangeable and command flags may
// be nested under the command name:
//
//	log-level: debug
//	serve:
//	  address: ":9090"
//	  max_conns: 512
func YAMLLoader(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding YAML configuration: %w", err)
	}

	return kong.ResolverFunc(func(_ *kong.Context, parent *kong.Path, flag *kong.Flag) (any, error) {
		// Command scoped values win over top level ones.
		if parent != nil && parent.Command != nil {
			if section, ok := lookup(values, parent.Command.Name).(map[string]any); ok {
				if v := lookup(section, flag.Name); v != nil {
					return yamlValue(v), nil
				}
			}
		}
		if v := lookup(values, flag.Name); v != nil {
			if _, nested := v.(map[string]any); nested {
				return nil, nil
			}
			return yamlValue(v), nil
		}
		return nil, nil
	}), nil
}

func lookup(values map[string]any, name string) any {
	for _, key := range []string{name, strings.ReplaceAll(name, "-", "_")} {
		if v, ok := values[key]; ok {
			return v
		}
	}
	return nil
}

// yamlValue converts decoded YAML scalars to the string form kong's mappers
// parse, so durations and sizes read the same as on the command line.
func yamlValue(v any) any {
	switch v := v.(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
