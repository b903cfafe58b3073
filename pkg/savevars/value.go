package savevars

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DecodeValue parses a variable literal. Literals are YAML flow values
// (0.6, 'text', {a: 1, b: null}, [1, 2]). A bare None, as written by
// Python hosts, decodes to nil.
func DecodeValue(literal string) (any, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(literal), &doc); err != nil {
		return nil, fmt.Errorf("unable to parse '%s': %w", literal, err)
	}
	if doc.Kind == 0 {
		return nil, nil
	}
	normalizePython(&doc)

	var v any
	if err := doc.Decode(&v); err != nil {
		return nil, fmt.Errorf("unable to parse '%s': %w", literal, err)
	}
	return v, nil
}

func normalizePython(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.Style == 0 && n.Value == "None" {
		n.Tag = "!!null"
		n.Value = "null"
	}
	for _, c := range n.Content {
		normalizePython(c)
	}
}

// EncodeValue renders v as a single-line YAML flow literal.
func EncodeValue(v any) (string, error) {
	var n yaml.Node
	if err := n.Encode(floatLiterals(v)); err != nil {
		return "", fmt.Errorf("unable to encode %v: %w", v, err)
	}
	flowStyle(&n)

	out, err := yaml.Marshal(&n)
	if err != nil {
		return "", fmt.Errorf("unable to encode %v: %w", v, err)
	}
	literal := strings.TrimSpace(string(out))
	if strings.Contains(literal, "\n") {
		return "", fmt.Errorf("unable to encode %v on a single line", v)
	}
	return literal, nil
}

// floatLiterals keeps whole floats distinguishable from integers: 1.0 is
// written as "1.0" rather than "1".
func floatLiterals(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: strconv.FormatFloat(x, 'f', 1, 64)}
		}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = floatLiterals(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = floatLiterals(e)
		}
		return out
	}
	return v
}

func flowStyle(n *yaml.Node) {
	switch n.Kind {
	case yaml.MappingNode, yaml.SequenceNode:
		n.Style = yaml.FlowStyle
	case yaml.ScalarNode:
		if strings.ContainsAny(n.Value, "\n\r") {
			n.Style = yaml.DoubleQuotedStyle
		}
	}
	for _, c := range n.Content {
		flowStyle(c)
	}
}
