package template

import (
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Placeholder namespaces.
const (
	NamespaceParam   = "param"
	NamespaceContext = "context"
)

var placeholderRe = regexp.MustCompile(`\$\{(param|context)\.([A-Za-z_][A-Za-z0-9_]*)\}`)

// Placeholder is a ${namespace.name} reference inside a skeleton scalar.
type Placeholder struct {
	Namespace string
	Name      string
}

func (p Placeholder) String() string {
	return "${" + p.Namespace + "." + p.Name + "}"
}

// extractPlaceholder returns the placeholder when s consists of exactly one
// placeholder and nothing else.
func extractPlaceholder(s string) (Placeholder, bool) {
	m := placeholderRe.FindStringSubmatchIndex(s)
	if m == nil || m[0] != 0 || m[1] != len(s) {
		return Placeholder{}, false
	}
	return Placeholder{Namespace: s[m[2]:m[3]], Name: s[m[4]:m[5]]}, true
}

// findPlaceholders returns every placeholder embedded in s, in order.
func findPlaceholders(s string) []Placeholder {
	var out []Placeholder
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		out = append(out, Placeholder{Namespace: m[1], Name: m[2]})
	}
	return out
}

// Placeholders lists the distinct placeholders used anywhere in the skeleton,
// sorted by namespace then name.
func (t *Template) Placeholders() []Placeholder {
	seen := make(map[Placeholder]bool)
	for _, n := range []*yaml.Node{&t.Skeleton.Triggers, &t.Skeleton.Conditions, &t.Skeleton.Actions} {
		walkScalars(n, func(s *yaml.Node) {
			for _, p := range findPlaceholders(s.Value) {
				seen[p] = true
			}
		})
	}
	out := make([]Placeholder, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// walkScalars visits every scalar value node under n. Mapping keys are skipped.
func walkScalars(n *yaml.Node, fn func(*yaml.Node)) {
	if n == nil {
		return
	}
	switch n.Kind {
	case yaml.ScalarNode:
		fn(n)
	case yaml.MappingNode:
		for i := 1; i < len(n.Content); i += 2 {
			walkScalars(n.Content[i], fn)
		}
	case yaml.SequenceNode, yaml.DocumentNode:
		for _, c := range n.Content {
			walkScalars(c, fn)
		}
	case yaml.AliasNode:
		walkScalars(n.Alias, fn)
	}
}
