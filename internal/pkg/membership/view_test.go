package membership

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/memodb-io/pokersync/internal/modules/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func participant(name string, offset int, host bool) model.Participant {
	return model.Participant{
		ID:        uuid.New(),
		SessionID: uuid.Nil,
		UserName:  name,
		IsHost:    host,
		AvatarID:  model.DefaultAvatarID,
		CreatedAt: epoch.Add(time.Duration(offset) * time.Second),
	}
}

func names(ps []model.Participant) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.UserName
	}
	return out
}

func assertSorted(t *testing.T, ps []model.Participant) {
	t.Helper()
	assert.True(t, sort.SliceIsSorted(ps, func(i, j int) bool { return ps[i].Before(ps[j]) }), "view not ordered by created_at: %v", names(ps))
}

func TestNewView_SortsAndDedupes(t *testing.T) {
	alice := participant("alice", 0, true)
	bob := participant("bob", 1, false)
	carol := participant("carol", 2, false)

	v := NewView([]model.Participant{carol, alice, bob, alice})
	assert.Equal(t, []string{"alice", "bob", "carol"}, names(v.Participants()))
}

func TestView_InsertDedupesById(t *testing.T) {
	alice := participant("alice", 0, true)
	v := NewView([]model.Participant{alice})

	assert.False(t, v.Insert(alice))
	dup := alice
	dup.UserName = "alice (again)"
	assert.False(t, v.Insert(dup))

	assert.Equal(t, 1, v.Len())
	assert.Equal(t, "alice", v.Participants()[0].UserName)
}

func TestView_InsertKeepsCreatedAtOrder(t *testing.T) {
	alice := participant("alice", 0, true)
	bob := participant("bob", 5, false)
	carol := participant("carol", 3, false)

	v := NewView(nil)
	require.True(t, v.Insert(alice))
	require.True(t, v.Insert(bob))
	// carol's event overtook bob's on the bus
	require.True(t, v.Insert(carol))

	assert.Equal(t, []string{"alice", "carol", "bob"}, names(v.Participants()))
}

func TestView_UpdateInPlace(t *testing.T) {
	alice := participant("alice", 0, true)
	bob := participant("bob", 1, false)
	v := NewView([]model.Participant{alice, bob})

	renamed := alice
	renamed.UserName = "alicia"
	renamed.CreatedAt = epoch.Add(time.Hour)
	assert.True(t, v.Update(renamed))

	got := v.Participants()
	assert.Equal(t, []string{"alicia", "bob"}, names(got))
	assert.Equal(t, alice.CreatedAt, got[0].CreatedAt)
}

func TestView_UnknownIdsAreNoops(t *testing.T) {
	alice := participant("alice", 0, true)
	v := NewView([]model.Participant{alice})

	ghost := participant("ghost", 9, false)
	assert.False(t, v.Update(ghost))
	assert.False(t, v.Delete(ghost.ID))
	assert.Equal(t, []string{"alice"}, names(v.Participants()))
}

func TestView_Delete(t *testing.T) {
	alice := participant("alice", 0, true)
	bob := participant("bob", 1, false)
	v := NewView([]model.Participant{alice, bob})

	assert.True(t, v.Delete(bob.ID))
	assert.False(t, v.Delete(bob.ID))
	assert.Equal(t, []string{"alice"}, names(v.Participants()))
}

func TestView_ParticipantsIsACopy(t *testing.T) {
	v := NewView([]model.Participant{participant("alice", 0, true)})
	out := v.Participants()
	out[0].UserName = "mutated"
	assert.Equal(t, "alice", v.Participants()[0].UserName)
}

func TestView_RandomInsertSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		rows := make([]model.Participant, 20)
		for i := range rows {
			rows[i] = participant("p", i, i == 0)
		}

		// every row delivered once or twice, in a shuffled order
		var deliveries []model.Participant
		for _, r := range rows {
			deliveries = append(deliveries, r)
			if rng.Intn(2) == 0 {
				deliveries = append(deliveries, r)
			}
		}
		rng.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })

		v := NewView(nil)
		for _, d := range deliveries {
			v.Insert(d)
			assertSorted(t, v.Participants())
		}

		got := v.Participants()
		require.Len(t, got, len(rows))
		for i := range rows {
			assert.Equal(t, rows[i].ID, got[i].ID)
		}
	}
}
