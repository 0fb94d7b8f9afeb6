package membership

import (
	"sort"

	"github.com/google/uuid"
	"github.com/memodb-io/pokersync/internal/modules/model"
)

// View is an ordered participant list with at most one entry per id.
// It is not safe for concurrent use; a Synchronizer owns exactly one.
type View struct {
	entries []model.Participant
}

// NewView builds a view from a snapshot, dropping repeated ids and sorting by created_at.
func NewView(snapshot []model.Participant) *View {
	v := &View{entries: make([]model.Participant, 0, len(snapshot))}
	for _, p := range snapshot {
		v.Insert(p)
	}
	return v
}

func (v *View) indexOf(id uuid.UUID) int {
	for i := range v.entries {
		if v.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// Insert adds p unless its id is already present. Rows normally arrive in created_at
// order and land at the end; a row that overtook an older one is slotted into place.
func (v *View) Insert(p model.Participant) bool {
	if v.indexOf(p.ID) >= 0 {
		return false
	}
	i := sort.Search(len(v.entries), func(i int) bool { return p.Before(v.entries[i]) })
	v.entries = append(v.entries, model.Participant{})
	copy(v.entries[i+1:], v.entries[i:])
	v.entries[i] = p
	return true
}

// Update replaces the entry with p's id in place. created_at is immutable, so the stored
// value is kept and the entry never moves. Unknown ids are ignored.
func (v *View) Update(p model.Participant) bool {
	i := v.indexOf(p.ID)
	if i < 0 {
		return false
	}
	p.CreatedAt = v.entries[i].CreatedAt
	v.entries[i] = p
	return true
}

// Delete removes the entry with id. Unknown ids are ignored.
func (v *View) Delete(id uuid.UUID) bool {
	i := v.indexOf(id)
	if i < 0 {
		return false
	}
	v.entries = append(v.entries[:i], v.entries[i+1:]...)
	return true
}

func (v *View) Len() int { return len(v.entries) }

// Participants returns a copy safe to hand to other goroutines.
func (v *View) Participants() []model.Participant {
	out := make([]model.Participant, len(v.entries))
	copy(out, v.entries)
	return out
}
