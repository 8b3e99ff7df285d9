// Package environment provides point-in-time views of the hub's entities for
// context resolution.
package environment

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Entity is one hub entity as seen at snapshot time.
type Entity struct {
	EntityID     string    `json:"entity_id" yaml:"entity_id"`
	Domain       string    `json:"domain" yaml:"domain,omitempty"`
	DeviceClass  string    `json:"device_class,omitempty" yaml:"device_class,omitempty"`
	AreaID       string    `json:"area_id,omitempty" yaml:"area_id,omitempty"`
	Name         string    `json:"name,omitempty" yaml:"name,omitempty"`
	State        string    `json:"state,omitempty" yaml:"state,omitempty"`
	LastChanged  time.Time `json:"last_changed" yaml:"last_changed,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// HasCapability reports whether the entity advertises c.
func (e Entity) HasCapability(c string) bool {
	for _, x := range e.Capabilities {
		if x == c {
			return true
		}
	}
	return false
}

// Snapshot is an immutable set of entities taken at one instant.
type Snapshot struct {
	TakenAt  time.Time `json:"taken_at" yaml:"taken_at,omitempty"`
	Entities []Entity  `json:"entities" yaml:"entities"`

	byID map[string]int
}

// NewSnapshot normalizes entities (domain derived from the id when empty) and
// orders them by id so iteration is stable.
func NewSnapshot(takenAt time.Time, entities []Entity) *Snapshot {
	s := &Snapshot{TakenAt: takenAt, Entities: make([]Entity, len(entities))}
	copy(s.Entities, entities)
	for i := range s.Entities {
		e := &s.Entities[i]
		if e.Domain == "" {
			e.Domain, _, _ = strings.Cut(e.EntityID, ".")
		}
	}
	sort.Slice(s.Entities, func(i, j int) bool { return s.Entities[i].EntityID < s.Entities[j].EntityID })
	s.index()
	return s
}

func (s *Snapshot) index() {
	s.byID = make(map[string]int, len(s.Entities))
	for i, e := range s.Entities {
		s.byID[e.EntityID] = i
	}
}

// Lookup returns the entity with the given id.
func (s *Snapshot) Lookup(id string) (Entity, bool) {
	if s.byID == nil {
		for _, e := range s.Entities {
			if e.EntityID == id {
				return e, true
			}
		}
		return Entity{}, false
	}
	i, ok := s.byID[id]
	if !ok {
		return Entity{}, false
	}
	return s.Entities[i], true
}

// Filter returns the entities for which keep is true, in id order.
func (s *Snapshot) Filter(keep func(Entity) bool) []Entity {
	var out []Entity
	for _, e := range s.Entities {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Turn scopes a snapshot request to one user turn of one conversation.
type Turn struct {
	ConversationID string
	TurnID         string
}

// Source produces snapshots.
type Source interface {
	Snapshot(ctx context.Context, turn Turn) (*Snapshot, error)
}

// Static always returns the same snapshot. Useful for tests and replay.
type Static struct {
	S *Snapshot
}

func (s Static) Snapshot(context.Context, Turn) (*Snapshot, error) {
	return s.S, nil
}
