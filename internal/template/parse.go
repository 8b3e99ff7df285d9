package template

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var idRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Parse decodes and checks a single template document.
func Parse(data []byte, source string) (*Template, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var t Template
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", source, err)
	}
	t.Source = source
	if err := t.check(); err != nil {
		return nil, fmt.Errorf("template %s: %w", source, err)
	}
	fp, err := fingerprint(&t)
	if err != nil {
		return nil, fmt.Errorf("fingerprint template %s: %w", source, err)
	}
	t.Fingerprint = fp
	return &t, nil
}

// LoadFS parses every *.yaml / *.yml file under fsys. All problems are
// reported together so a catalog author sees the full list at once.
func LoadFS(fsys fs.FS) ([]*Template, error) {
	var (
		out  []*Template
		errs []error
		seen = make(map[Key]string)
	)
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(path.Ext(p)) {
		case ".yaml", ".yml":
		default:
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		t, err := Parse(data, p)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if prev, dup := seen[t.Key()]; dup {
			errs = append(errs, fmt.Errorf("template %s: duplicate %s, already defined in %s", p, t.Key(), prev))
			return nil
		}
		seen[t.Key()] = p
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk catalog: %w", err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (t *Template) check() error {
	if !idRe.MatchString(t.ID) {
		return fmt.Errorf("id %q must match %s", t.ID, idRe)
	}
	if t.Version < 1 {
		return fmt.Errorf("version must be >= 1, got %d", t.Version)
	}
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("title is required")
	}

	for name, p := range t.Parameters {
		if !idRe.MatchString(name) {
			return fmt.Errorf("parameter name %q must match %s", name, idRe)
		}
		if err := p.check(); err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
		if p.Default != nil {
			v, err := p.Coerce(p.Default)
			if err != nil {
				return fmt.Errorf("parameter %s: default: %w", name, err)
			}
			p.Default = v
			t.Parameters[name] = p
		}
	}

	for name, ref := range t.Context {
		if !idRe.MatchString(name) {
			return fmt.Errorf("context name %q must match %s", name, idRe)
		}
		if ref.Domain == "" {
			return fmt.Errorf("context %s: domain is required", name)
		}
		if ref.Area != "" && ref.AreaParam != "" {
			return fmt.Errorf("context %s: area and area_param are mutually exclusive", name)
		}
		if ref.AreaParam != "" {
			p, ok := t.Parameters[ref.AreaParam]
			if !ok {
				return fmt.Errorf("context %s: area_param %q is not a declared parameter", name, ref.AreaParam)
			}
			if p.Type != TypeString && p.Type != TypeEnum {
				return fmt.Errorf("context %s: area_param %q must be a string or enum parameter", name, ref.AreaParam)
			}
		}
		switch ref.AreaMatch {
		case "":
			if ref.Area != "" || ref.AreaParam != "" {
				ref.AreaMatch = AreaStrict
				t.Context[name] = ref
			}
		case AreaStrict, AreaPrefer:
		default:
			return fmt.Errorf("context %s: area_match must be strict or prefer, got %q", name, ref.AreaMatch)
		}
	}

	if err := checkFragment("triggers", &t.Skeleton.Triggers, true); err != nil {
		return err
	}
	if err := checkFragment("conditions", &t.Skeleton.Conditions, false); err != nil {
		return err
	}
	if err := checkFragment("actions", &t.Skeleton.Actions, true); err != nil {
		return err
	}

	for _, ph := range t.Placeholders() {
		switch ph.Namespace {
		case NamespaceParam:
			if _, ok := t.Parameters[ph.Name]; !ok {
				return fmt.Errorf("skeleton references undeclared parameter %s", ph)
			}
		case NamespaceContext:
			if _, ok := t.Context[ph.Name]; !ok {
				return fmt.Errorf("skeleton references undeclared context %s", ph)
			}
		}
	}
	return nil
}

func (p ParamSpec) check() error {
	if !p.Type.valid() {
		return fmt.Errorf("unknown type %q", p.Type)
	}
	if p.Type == TypeEnum && len(p.Options) == 0 {
		return fmt.Errorf("enum requires options")
	}
	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		return fmt.Errorf("min %s exceeds max %s", formatNumber(*p.Min), formatNumber(*p.Max))
	}
	if (p.Min != nil || p.Max != nil) && p.Type != TypeInteger && p.Type != TypeNumber {
		return fmt.Errorf("min/max only apply to integer and number")
	}
	if p.Pattern != "" {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("pattern: %w", err)
		}
	}
	return nil
}

func checkFragment(name string, n *yaml.Node, required bool) error {
	if n.Kind == 0 {
		if required {
			return fmt.Errorf("skeleton.%s is required", name)
		}
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("skeleton.%s must be a list", name)
	}
	if required && len(n.Content) == 0 {
		return fmt.Errorf("skeleton.%s must not be empty", name)
	}
	return nil
}

// fingerprint hashes the template's canonical YAML form. Comments, quoting
// style and key positions do not contribute.
func fingerprint(t *Template) (string, error) {
	c := *t
	c.Skeleton.Triggers = canonicalNode(&t.Skeleton.Triggers)
	c.Skeleton.Conditions = canonicalNode(&t.Skeleton.Conditions)
	c.Skeleton.Actions = canonicalNode(&t.Skeleton.Actions)
	data, err := yaml.Marshal(&c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalNode(n *yaml.Node) yaml.Node {
	if n == nil {
		return yaml.Node{}
	}
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		return canonicalNode(n.Alias)
	}
	out := yaml.Node{Kind: n.Kind, Tag: n.ShortTag(), Value: n.Value}
	if n.Kind == yaml.ScalarNode || n.Kind == 0 {
		if n.Kind == 0 {
			out.Tag = ""
		}
		return out
	}
	out.Content = make([]*yaml.Node, len(n.Content))
	for i, child := range n.Content {
		cc := canonicalNode(child)
		out.Content[i] = &cc
	}
	return out
}
