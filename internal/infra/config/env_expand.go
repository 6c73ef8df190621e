package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// expandEnv substitutes ${VAR} and ${VAR:-fallback} in every string scalar
// of a YAML document. Unquoted scalars are re-typed after expansion so
// `port: ${PORT}` still decodes as a number. Variables that are unset and
// have no fallback are reported.
func expandEnv(raw []byte) ([]byte, []string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	if len(root.Content) == 0 {
		return raw, nil, nil
	}

	missing := make(map[string]struct{})
	walk(&root, missing)

	expanded, err := yaml.Marshal(&root)
	if err != nil {
		return nil, nil, fmt.Errorf("encode expanded config: %w", err)
	}
	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	slices.Sort(names)
	return expanded, names, nil
}

func walk(node *yaml.Node, missing map[string]struct{}) {
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range node.Content {
			walk(child, missing)
		}
	case yaml.MappingNode:
		// Keys are left alone.
		for i := 1; i < len(node.Content); i += 2 {
			walk(node.Content[i], missing)
		}
	case yaml.ScalarNode:
		expandScalar(node, missing)
	}
}

func expandScalar(node *yaml.Node, missing map[string]struct{}) {
	if node.Tag != "" && node.Tag != "!!str" {
		return
	}
	if !strings.Contains(node.Value, "$") {
		return
	}
	expanded := os.Expand(node.Value, func(key string) string {
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if value, ok := os.LookupEnv(name); ok && value != "" {
			return value
		}
		if hasFallback {
			return fallback
		}
		missing[name] = struct{}{}
		return ""
	})
	if expanded == node.Value {
		return
	}
	node.Value = expanded
	if node.Style != 0 {
		node.Tag = "!!str"
		return
	}
	node.Tag = scalarTag(expanded)
	if node.Tag != "!!str" {
		node.Value = strings.TrimSpace(expanded)
	}
}

// scalarTag resolves the YAML core schema tag of an unquoted value.
func scalarTag(value string) string {
	trimmed := strings.TrimSpace(value)
	switch {
	case trimmed == "":
		return "!!str"
	case trimmed == "true" || trimmed == "false":
		return "!!bool"
	}
	if _, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return "!!int"
	}
	if _, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return "!!float"
	}
	return "!!str"
}
