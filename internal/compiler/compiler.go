// Package compiler turns a ValidatedPlan into the Home Assistant automation
// document. Compile is pure: the same template version, parameters and
// resolved context always produce the same bytes and hash.
package compiler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sbenjam1n/autoforge/internal/automation"
	"github.com/sbenjam1n/autoforge/internal/template"
)

// ErrFatal marks a compile failure on a validated plan. It always indicates a
// template or validator defect.
var ErrFatal = errors.New("compiler fatal")

// HashInput is the canonical content hash input.
type HashInput struct {
	TemplateID      string            `json:"template_id"`
	TemplateVersion int               `json:"template_version"`
	Parameters      map[string]any    `json:"parameters"`
	ResolvedContext map[string]string `json:"resolved_context"`
}

// ContentHash is the hex sha256 of the canonical JSON of the four inputs.
func ContentHash(in HashInput) (string, error) {
	if in.Parameters == nil {
		in.Parameters = map[string]any{}
	}
	if in.ResolvedContext == nil {
		in.ResolvedContext = map[string]string{}
	}
	data, err := automation.CanonicalJSON(in)
	if err != nil {
		return "", fmt.Errorf("%w: encode hash input: %v", ErrFatal, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Compile renders vp into a CompiledArtifact. ID and CreatedAt are left for
// the store to assign.
func Compile(vp *automation.ValidatedPlan) (*automation.CompiledArtifact, error) {
	if vp == nil || vp.Plan == nil || vp.Template == nil {
		return nil, fmt.Errorf("%w: incomplete validated plan", ErrFatal)
	}
	tpl := vp.Template
	if tpl.ID != vp.Plan.TemplateID || tpl.Version != vp.Plan.TemplateVersion {
		return nil, fmt.Errorf("%w: plan references %s@%d but template is %s", ErrFatal, vp.Plan.TemplateID, vp.Plan.TemplateVersion, tpl.Key())
	}

	params, err := normalize(tpl, vp.Parameters)
	if err != nil {
		return nil, err
	}
	hash, err := ContentHash(HashInput{
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		Parameters:      params,
		ResolvedContext: vp.ResolvedContext,
	})
	if err != nil {
		return nil, err
	}

	doc, err := Emit(tpl, template.Bindings{Params: params, Context: vp.ResolvedContext}, hash)
	if err != nil {
		return nil, err
	}

	return &automation.CompiledArtifact{
		PlanID:          vp.Plan.ID,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		Parameters:      params,
		ResolvedContext: vp.ResolvedContext,
		CompiledOutput:  doc,
		ContentHash:     hash,
	}, nil
}

// normalize re-applies the schema's coercion so a parameter snapshot read
// back from JSON (where 5 arrives as float64) renders exactly like the
// original typed value.
func normalize(tpl *template.Template, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for name, v := range params {
		spec, ok := tpl.Parameters[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s: parameter %s has no schema entry", ErrFatal, tpl.Key(), name)
		}
		c, err := spec.Coerce(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: parameter %s: %v", ErrFatal, tpl.Key(), name, err)
		}
		out[name] = c
	}
	return out, nil
}

// Emit renders tpl with b and serializes it with a fixed key order: alias,
// description, triggers, conditions, actions, mode.
func Emit(tpl *template.Template, b template.Bindings, hash string) (string, error) {
	r, err := tpl.Render(b)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFatal, tpl.Key(), err)
	}

	mode := r.Mode
	if mode == "" {
		mode = "single"
	}
	root := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	add := func(key string, value *yaml.Node) {
		root.Content = append(root.Content, str(key), value)
	}
	add("alias", str(tpl.Title))
	add("description", str(Description(tpl.Key(), hash)))
	add("triggers", orEmpty(r.Triggers))
	add("conditions", orEmpty(r.Conditions))
	add("actions", orEmpty(r.Actions))
	add("mode", str(mode))

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return "", fmt.Errorf("%w: encode %s: %v", ErrFatal, tpl.Key(), err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("%w: encode %s: %v", ErrFatal, tpl.Key(), err)
	}
	return buf.String(), nil
}

// Description is the automation description carrying the lineage marker.
// Reconciliation reads the hash back from the hub.
func Description(key template.Key, hash string) string {
	return fmt.Sprintf("Managed by autoforge from %s (sha256:%s)", key, hash)
}

// HashFromDescription extracts the content hash written by Description.
func HashFromDescription(desc string) (string, bool) {
	_, rest, ok := strings.Cut(desc, "(sha256:")
	if !ok {
		return "", false
	}
	hash, _, ok := strings.Cut(rest, ")")
	if !ok || hash == "" {
		return "", false
	}
	return hash, true
}

func str(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func orEmpty(n *yaml.Node) *yaml.Node {
	if n == nil {
		return &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Style: yaml.FlowStyle}
	}
	return n
}
