package template

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnboundPlaceholder is returned when a skeleton placeholder has no value.
var ErrUnboundPlaceholder = errors.New("unbound placeholder")

// Bindings are the typed values substituted into a skeleton.
type Bindings struct {
	Params  map[string]any
	Context map[string]string
}

// Rendered is a skeleton with every placeholder substituted. The nodes are
// fresh copies; the template itself is left untouched.
type Rendered struct {
	Mode       string
	Triggers   *yaml.Node
	Conditions *yaml.Node
	Actions    *yaml.Node
}

// Render substitutes b into the skeleton. A scalar that is exactly one
// placeholder takes the bound value's YAML type; a placeholder embedded in a
// longer string is interpolated as text.
func (t *Template) Render(b Bindings) (*Rendered, error) {
	r := &Rendered{Mode: t.Skeleton.Mode}
	var err error
	if r.Triggers, err = renderNode(&t.Skeleton.Triggers, b); err != nil {
		return nil, fmt.Errorf("render triggers: %w", err)
	}
	if r.Conditions, err = renderNode(&t.Skeleton.Conditions, b); err != nil {
		return nil, fmt.Errorf("render conditions: %w", err)
	}
	if r.Actions, err = renderNode(&t.Skeleton.Actions, b); err != nil {
		return nil, fmt.Errorf("render actions: %w", err)
	}
	return r, nil
}

func renderNode(n *yaml.Node, b Bindings) (*yaml.Node, error) {
	if n == nil || n.Kind == 0 {
		return nil, nil
	}
	if n.Kind == yaml.AliasNode {
		return renderNode(n.Alias, b)
	}
	if n.Kind == yaml.ScalarNode {
		return renderScalar(n, b)
	}
	out := &yaml.Node{Kind: n.Kind, Tag: n.ShortTag(), Style: n.Style &^ yaml.FlowStyle}
	out.Content = make([]*yaml.Node, 0, len(n.Content))
	for i, c := range n.Content {
		if n.Kind == yaml.MappingNode && i%2 == 0 {
			out.Content = append(out.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: c.ShortTag(), Value: c.Value})
			continue
		}
		rc, err := renderNode(c, b)
		if err != nil {
			return nil, err
		}
		out.Content = append(out.Content, rc)
	}
	return out, nil
}

func renderScalar(n *yaml.Node, b Bindings) (*yaml.Node, error) {
	if ph, ok := extractPlaceholder(n.Value); ok {
		v, err := b.lookup(ph)
		if err != nil {
			return nil, err
		}
		return typedScalar(v), nil
	}

	phs := findPlaceholders(n.Value)
	if len(phs) == 0 {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: n.ShortTag(), Value: n.Value, Style: n.Style}, nil
	}
	var lookupErr error
	s := placeholderRe.ReplaceAllStringFunc(n.Value, func(m string) string {
		ph, _ := extractPlaceholder(m)
		v, err := b.lookup(ph)
		if err != nil {
			lookupErr = err
			return m
		}
		return scalarText(v)
	})
	if lookupErr != nil {
		return nil, lookupErr
	}
	out := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s, Style: n.Style}
	if out.Style == 0 && legacyBool(s) {
		out.Style = yaml.DoubleQuotedStyle
	}
	return out, nil
}

func (b Bindings) lookup(ph Placeholder) (any, error) {
	switch ph.Namespace {
	case NamespaceParam:
		if v, ok := b.Params[ph.Name]; ok {
			return v, nil
		}
	case NamespaceContext:
		if v, ok := b.Context[ph.Name]; ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w %s", ErrUnboundPlaceholder, ph)
}

func typedScalar(v any) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Value: scalarText(v)}
	switch v.(type) {
	case int, int32, int64:
		n.Tag = "!!int"
	case float64:
		n.Tag = "!!float"
		if !strings.ContainsAny(n.Value, ".eE") {
			n.Value += ".0"
		}
	case bool:
		n.Tag = "!!bool"
	default:
		n.Tag = "!!str"
		if legacyBool(n.Value) {
			n.Style = yaml.DoubleQuotedStyle
		}
	}
	return n
}

// legacyBool reports words that YAML 1.1 consumers, Home Assistant included,
// read as booleans.
func legacyBool(s string) bool {
	switch strings.ToLower(s) {
	case "y", "n", "yes", "no", "on", "off":
		return true
	}
	return false
}

func scalarText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatNumber(x)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}
