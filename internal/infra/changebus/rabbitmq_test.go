package changebus

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// topicMatch applies AMQP topic exchange rules: words split on '.', '*' matches exactly one
// word and '#' zero or more.
func topicMatch(pattern, key string) bool {
	var match func(p, k []string) bool
	match = func(p, k []string) bool {
		if len(p) == 0 {
			return len(k) == 0
		}
		switch p[0] {
		case "#":
			for i := 0; i <= len(k); i++ {
				if match(p[1:], k[i:]) {
					return true
				}
			}
			return false
		case "*":
			return len(k) > 0 && match(p[1:], k[1:])
		default:
			return len(k) > 0 && p[0] == k[0] && match(p[1:], k[1:])
		}
	}
	return match(strings.Split(pattern, "."), strings.Split(key, "."))
}

func TestRoutingKey(t *testing.T) {
	sessionID := uuid.MustParse("6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f")
	tests := []struct {
		typ  EventType
		want string
	}{
		{Inserted, "participants.6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f.insert"},
		{Updated, "participants.6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f.update"},
		{Deleted, "participants.6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f.delete"},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			assert.Equal(t, tt.want, routingKey(sessionID, tt.typ))
		})
	}
	assert.Equal(t, "participants.6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f.*", bindingKey(sessionID))
}

func TestBindingKey_MatchesOwnSessionOnly(t *testing.T) {
	own := uuid.New()
	other := uuid.New()
	binding := bindingKey(own)

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"own insert", routingKey(own, Inserted), true},
		{"own update", routingKey(own, Updated), true},
		{"own delete", routingKey(own, Deleted), true},
		{"other insert", routingKey(other, Inserted), false},
		{"other delete", routingKey(other, Deleted), false},
		{"extra word", routingKey(own, Inserted) + ".retry", false},
		{"session only", "participants." + own.String(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, topicMatch(binding, tt.key))
		})
	}
}
