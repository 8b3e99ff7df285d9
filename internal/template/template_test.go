package template

import (
	"math"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sbenjam1n/autoforge/templates"
)

const dimOff = `
id: dim_off
version: 1
title: Off after no motion
parameters:
  timeout_minutes: {type: integer, required: true, default: 5, min: 1, max: 240}
  scale: {type: number, default: 1.5}
context:
  sensor: {domain: binary_sensor, device_class: motion, area: hall}
  light: {domain: light, area: hall, area_match: prefer}
skeleton:
  mode: restart
  triggers:
    - trigger: state
      entity_id: ${context.sensor}
      to: "off"
      for: {minutes: "${param.timeout_minutes}"}
  actions:
    - action: light.turn_off
      target: {entity_id: "${context.light}"}
      data:
        note: "after ${param.timeout_minutes} min x${param.scale}"
`

func TestParse(t *testing.T) {
	tpl, err := Parse([]byte(dimOff), "dim_off.yaml")
	require.NoError(t, err)

	assert.Equal(t, Key{ID: "dim_off", Version: 1}, tpl.Key())
	assert.Equal(t, int64(5), tpl.Parameters["timeout_minutes"].Default)
	assert.Equal(t, AreaStrict, tpl.Context["sensor"].AreaMatch, "area without area_match defaults to strict")
	assert.Equal(t, AreaPrefer, tpl.Context["light"].AreaMatch)
	assert.Len(t, tpl.Fingerprint, 64)

	assert.Equal(t, []Placeholder{
		{NamespaceContext, "light"},
		{NamespaceContext, "sensor"},
		{NamespaceParam, "scale"},
		{NamespaceParam, "timeout_minutes"},
	}, tpl.Placeholders())
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"bad id", "id: Bad-Id\nversion: 1\ntitle: x\nskeleton: {triggers: [a], actions: [b]}", "must match"},
		{"zero version", "id: x\nversion: 0\ntitle: x\nskeleton: {triggers: [a], actions: [b]}", "version must be >= 1"},
		{"unknown field", "id: x\nversion: 1\ntitle: x\nbogus: 1\nskeleton: {triggers: [a], actions: [b]}", "bogus"},
		{"undeclared param", "id: x\nversion: 1\ntitle: x\nskeleton: {triggers: ['${param.n}'], actions: [b]}", "undeclared parameter ${param.n}"},
		{"undeclared context", "id: x\nversion: 1\ntitle: x\nskeleton: {triggers: [a], actions: ['${context.l}']}", "undeclared context ${context.l}"},
		{"default out of range", "id: x\nversion: 1\ntitle: x\nparameters: {n: {type: integer, default: 0, min: 1}}\nskeleton: {triggers: [a], actions: [b]}", "default"},
		{"enum without options", "id: x\nversion: 1\ntitle: x\nparameters: {n: {type: enum}}\nskeleton: {triggers: [a], actions: [b]}", "enum requires options"},
		{"unknown type", "id: x\nversion: 1\ntitle: x\nparameters: {n: {type: color}}\nskeleton: {triggers: [a], actions: [b]}", "unknown type"},
		{"empty actions", "id: x\nversion: 1\ntitle: x\nskeleton: {triggers: [a], actions: []}", "actions must not be empty"},
		{"area_param undeclared", "id: x\nversion: 1\ntitle: x\ncontext: {l: {domain: light, area_param: room}}\nskeleton: {triggers: [a], actions: [b]}", "not a declared parameter"},
		{"bad area_match", "id: x\nversion: 1\ntitle: x\ncontext: {l: {domain: light, area: a, area_match: loose}}\nskeleton: {triggers: [a], actions: [b]}", "area_match"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), "t.yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFingerprintIgnoresComments(t *testing.T) {
	a, err := Parse([]byte(dimOff), "a.yaml")
	require.NoError(t, err)
	b, err := Parse([]byte(strings.Replace(dimOff, "  actions:\n", "  # switch off\n  actions:\n", 1)), "b.yaml")
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)

	c, err := Parse([]byte(strings.Replace(dimOff, "light.turn_off", "light.toggle", 1)), "c.yaml")
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}

func TestRender(t *testing.T) {
	tpl, err := Parse([]byte(dimOff), "dim_off.yaml")
	require.NoError(t, err)

	r, err := tpl.Render(Bindings{
		Params:  map[string]any{"timeout_minutes": int64(7), "scale": 2.0},
		Context: map[string]string{"sensor": "binary_sensor.hall_motion", "light": "light.hall"},
	})
	require.NoError(t, err)

	out := marshal(t, r.Triggers)
	assert.Equal(t, "- trigger: state\n  entity_id: binary_sensor.hall_motion\n  to: \"off\"\n  for:\n    minutes: 7\n", out)

	out = marshal(t, r.Actions)
	assert.Contains(t, out, "entity_id: light.hall")
	assert.Contains(t, out, `note: "after 7 min x2"`)

	// The template skeleton is not modified by rendering.
	assert.Equal(t, "${context.sensor}", tpl.Skeleton.Triggers.Content[0].Content[3].Value)
}

func TestRenderTypedScalars(t *testing.T) {
	tests := []struct {
		value any
		want  string
	}{
		{int64(5), "v: 5\n"},
		{2.5, "v: 2.5\n"},
		{3.0, "v: 3.0\n"},
		{true, "v: true\n"},
		{"on", "v: \"on\"\n"},
		{"12", "v: \"12\"\n"},
	}
	for _, tt := range tests {
		n := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: "v"},
			typedScalar(tt.value),
		}}
		assert.Equal(t, tt.want, marshal(t, n), "value %#v", tt.value)
	}
}

func marshal(t *testing.T, n *yaml.Node) string {
	t.Helper()
	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	require.NoError(t, enc.Encode(n))
	require.NoError(t, enc.Close())
	return b.String()
}

func TestRenderUnbound(t *testing.T) {
	tpl, err := Parse([]byte(dimOff), "dim_off.yaml")
	require.NoError(t, err)

	_, err = tpl.Render(Bindings{Params: map[string]any{"timeout_minutes": int64(5), "scale": 1.0}})
	require.ErrorIs(t, err, ErrUnboundPlaceholder)
	assert.Contains(t, err.Error(), "${context.sensor}")
}

func TestReferences(t *testing.T) {
	tpl, err := Parse([]byte(dimOff), "dim_off.yaml")
	require.NoError(t, err)
	r, err := tpl.Render(Bindings{
		Params:  map[string]any{"timeout_minutes": int64(5), "scale": 1.0},
		Context: map[string]string{"sensor": "binary_sensor.m", "light": "light.a, light.b"},
	})
	require.NoError(t, err)

	refs := r.References()
	assert.Equal(t, []string{"binary_sensor.m"}, refs.TriggerEntities)
	assert.Equal(t, []string{"light.a", "light.b"}, refs.ActionEntities)
	assert.Equal(t, []string{"light"}, refs.ActionDomains)
	assert.Empty(t, refs.ConditionEntities)
}

func TestCoerce(t *testing.T) {
	one, ten := 1.0, 10.0
	tests := []struct {
		name    string
		spec    ParamSpec
		raw     any
		want    any
		failure CoerceFailure
	}{
		{"int from float64", ParamSpec{Type: TypeInteger}, 5.0, int64(5), 0},
		{"int from string", ParamSpec{Type: TypeInteger}, "12", int64(12), 0},
		{"int fractional", ParamSpec{Type: TypeInteger}, 5.5, nil, FailType},
		{"int beyond int64", ParamSpec{Type: TypeInteger}, 1e19, nil, FailType},
		{"int below int64", ParamSpec{Type: TypeInteger}, -1e19, nil, FailType},
		{"int at int64 min", ParamSpec{Type: TypeInteger}, float64(math.MinInt64), int64(math.MinInt64), 0},
		{"int below min", ParamSpec{Type: TypeInteger, Min: &one}, 0, nil, FailRange},
		{"number above max", ParamSpec{Type: TypeNumber, Max: &ten}, 10.5, nil, FailRange},
		{"bool from string", ParamSpec{Type: TypeBoolean}, "yes", true, 0},
		{"bool mismatch", ParamSpec{Type: TypeBoolean}, 3, nil, FailType},
		{"enum ok", ParamSpec{Type: TypeEnum, Options: []string{"heat", "cool"}}, "cool", "cool", 0},
		{"enum miss", ParamSpec{Type: TypeEnum, Options: []string{"heat", "cool"}}, "dry", nil, FailRange},
		{"pattern miss", ParamSpec{Type: TypeString, Pattern: `^[a-z]+$`}, "Living Room", nil, FailRange},
		{"time normalized", ParamSpec{Type: TypeTime}, "7:05", "07:05:00", 0},
		{"time invalid", ParamSpec{Type: TypeTime}, "25:00", nil, FailType},
		{"string from number", ParamSpec{Type: TypeString}, 4.0, nil, FailType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.spec.Coerce(tt.raw)
			if tt.failure == 0 {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			var ce *CoerceError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.failure, ce.Failure)
		})
	}
}

func TestLibrary(t *testing.T) {
	v2 := strings.Replace(dimOff, "version: 1", "version: 2", 1)
	fsys := fstest.MapFS{
		"dim_off.v1.yaml": {Data: []byte(dimOff)},
		"dim_off.v2.yaml": {Data: []byte(v2)},
		"README.md":       {Data: []byte("not a template")},
	}
	lib, err := New(fsys, nil)
	require.NoError(t, err)

	got, err := lib.Get("dim_off", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	latest, err := lib.Latest("dim_off")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	_, err = lib.Get("dim_off", 3)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = lib.Latest("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	list := lib.List()
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Version)
	assert.Len(t, lib.Summaries(), 1)
}

func TestLibraryReload(t *testing.T) {
	fsys := fstest.MapFS{"dim_off.v1.yaml": {Data: []byte(dimOff)}}
	lib, err := New(fsys, nil)
	require.NoError(t, err)
	held, err := lib.Get("dim_off", 1)
	require.NoError(t, err)

	// v1 removed from disk, v2 added: both stay resolvable.
	delete(fsys, "dim_off.v1.yaml")
	fsys["dim_off.v2.yaml"] = &fstest.MapFile{Data: []byte(strings.Replace(dimOff, "version: 1", "version: 2", 1))}
	res, err := lib.Reload()
	require.NoError(t, err)
	assert.Equal(t, []Key{{ID: "dim_off", Version: 2}}, res.Added)
	assert.Equal(t, 2, res.Total)

	again, err := lib.Get("dim_off", 1)
	require.NoError(t, err)
	assert.Same(t, held, again)

	// Editing a published version in place is refused.
	fsys["dim_off.v1.yaml"] = &fstest.MapFile{Data: []byte(strings.Replace(dimOff, "light.turn_off", "light.toggle", 1))}
	_, err = lib.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "changed in place")
	latest, err := lib.Latest("dim_off")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
}

func TestLoadFSDuplicate(t *testing.T) {
	fsys := fstest.MapFS{
		"a.yaml": {Data: []byte(dimOff)},
		"b.yml":  {Data: []byte(dimOff)},
	}
	_, err := LoadFS(fsys)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate dim_off@1")
}

func TestBuiltinCatalog(t *testing.T) {
	lib, err := New(templates.Default, nil)
	require.NoError(t, err)

	tpl, err := lib.Get("motion_dim_off", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), tpl.Parameters["timeout_minutes"].Default)
	assert.Contains(t, tpl.Context, "motion_sensor")
	assert.Contains(t, tpl.Context, "light")
}
