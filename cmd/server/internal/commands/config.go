package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// YAMLConfig loads flag values from a YAML document. Keys match flag names with either
// dashes or underscores, and nested maps are walked by the flag's prefix segments, so
// postgres-max-conns can be written as postgres_max_conns or postgres: {max_conns: 20}.
func YAMLConfig(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode YAML config: %w", err)
	}

	var f kong.ResolverFunc = func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		return lookupYAML(values, flag.Name), nil
	}
	return f, nil
}

func lookupYAML(values map[string]any, name string) any {
	for _, key := range []string{name, strings.ReplaceAll(name, "-", "_")} {
		if v, ok := values[key]; ok {
			return normalizeYAML(v)
		}
	}

	// nested form: the first segment names a section
	section, rest, ok := strings.Cut(name, "-")
	if !ok {
		return nil
	}
	for _, key := range []string{section, strings.ReplaceAll(section, "-", "_")} {
		if nested, ok := values[key].(map[string]any); ok {
			if v := lookupYAML(nested, rest); v != nil {
				return v
			}
		}
	}
	return nil
}

// normalizeYAML turns YAML sequences into the comma separated form kong parses for
// slice flags.
func normalizeYAML(v any) any {
	items, ok := v.([]any)
	if !ok {
		return v
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprint(item))
	}
	return strings.Join(parts, ",")
}
