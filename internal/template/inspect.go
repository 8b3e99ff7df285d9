package template

import (
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// References are the hub identifiers a rendered skeleton touches.
type References struct {
	TriggerEntities   []string
	ConditionEntities []string
	ActionEntities    []string
	// ActionDomains are the domains of called services, e.g. "light" for light.turn_off.
	ActionDomains []string
}

// References collects entity ids and service domains from r. Values are
// sorted and deduplicated.
func (r *Rendered) References() References {
	return References{
		TriggerEntities:   entityIDs(r.Triggers),
		ConditionEntities: entityIDs(r.Conditions),
		ActionEntities:    entityIDs(r.Actions),
		ActionDomains:     serviceDomains(r.Actions),
	}
}

func entityIDs(n *yaml.Node) []string {
	set := make(map[string]bool)
	walkPairs(n, func(key string, v *yaml.Node) {
		if key != "entity_id" {
			return
		}
		for _, s := range scalarList(v) {
			for _, id := range strings.Split(s, ",") {
				if id = strings.TrimSpace(id); id != "" {
					set[id] = true
				}
			}
		}
	})
	return sortedKeys(set)
}

func serviceDomains(n *yaml.Node) []string {
	set := make(map[string]bool)
	walkPairs(n, func(key string, v *yaml.Node) {
		if key != "action" && key != "service" {
			return
		}
		if v.Kind != yaml.ScalarNode {
			return
		}
		if domain, _, ok := strings.Cut(v.Value, "."); ok && domain != "" {
			set[domain] = true
		}
	})
	return sortedKeys(set)
}

// walkPairs calls fn for every mapping key/value pair under n.
func walkPairs(n *yaml.Node, fn func(string, *yaml.Node)) {
	if n == nil {
		return
	}
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			fn(n.Content[i].Value, n.Content[i+1])
			walkPairs(n.Content[i+1], fn)
		}
	case yaml.SequenceNode, yaml.DocumentNode:
		for _, c := range n.Content {
			walkPairs(c, fn)
		}
	case yaml.AliasNode:
		walkPairs(n.Alias, fn)
	}
}

func scalarList(n *yaml.Node) []string {
	switch n.Kind {
	case yaml.ScalarNode:
		return []string{n.Value}
	case yaml.SequenceNode:
		var out []string
		for _, c := range n.Content {
			if c.Kind == yaml.ScalarNode {
				out = append(out, c.Value)
			}
		}
		return out
	}
	return nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
