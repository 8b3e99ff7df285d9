package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sbenjam1n/autoforge/internal/hub"
)

// FileSource reads a snapshot fixture from a YAML or JSON file on every call.
type FileSource struct {
	Path string
	Now  func() time.Time
}

func (f FileSource) Snapshot(_ context.Context, _ Turn) (*Snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}
	var raw Snapshot
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("decode snapshot file %s: %w", f.Path, err)
	}
	taken := raw.TakenAt
	if taken.IsZero() {
		now := time.Now
		if f.Now != nil {
			now = f.Now
		}
		taken = now().UTC()
	}
	return NewSnapshot(taken, raw.Entities), nil
}

// StateReader is the part of the hub client the snapshot needs.
type StateReader interface {
	States(ctx context.Context) ([]hub.State, error)
	EntityAreas(ctx context.Context) (map[string]string, error)
}

// HubSource builds snapshots from the live hub.
type HubSource struct {
	Hub StateReader
}

func (h HubSource) Snapshot(ctx context.Context, _ Turn) (*Snapshot, error) {
	states, err := h.Hub.States(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch states: %w", err)
	}
	areas, err := h.Hub.EntityAreas(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch areas: %w", err)
	}
	entities := make([]Entity, 0, len(states))
	for _, st := range states {
		entities = append(entities, entityFromState(st, areas[st.EntityID]))
	}
	return NewSnapshot(time.Now().UTC(), entities), nil
}

// brightnessModes are light color modes that imply dimming support.
var brightnessModes = map[string]bool{
	"brightness": true, "color_temp": true, "hs": true, "xy": true,
	"rgb": true, "rgbw": true, "rgbww": true, "white": true,
}

func entityFromState(st hub.State, area string) Entity {
	e := Entity{
		EntityID:    st.EntityID,
		AreaID:      area,
		State:       st.State,
		LastChanged: st.LastChanged.UTC(),
	}
	e.Domain, _, _ = strings.Cut(st.EntityID, ".")
	if dc, ok := st.Attributes["device_class"].(string); ok {
		e.DeviceClass = dc
	}
	if n, ok := st.Attributes["friendly_name"].(string); ok {
		e.Name = n
	}
	if modes, ok := st.Attributes["supported_color_modes"].([]any); ok {
		dimmable := false
		for _, m := range modes {
			s, _ := m.(string)
			if s == "" {
				continue
			}
			e.Capabilities = append(e.Capabilities, "color_mode:"+s)
			if brightnessModes[s] {
				dimmable = true
			}
		}
		if dimmable {
			e.Capabilities = append(e.Capabilities, "brightness")
		}
	}
	return e
}
