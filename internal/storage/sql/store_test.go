package sql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewStore_UnsupportedDriver(t *testing.T) {
	_, err := NewStore("sqlserver", "dsn", 5, 1, time.Minute)
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestActorState_TableName(t *testing.T) {
	assert.Equal(t, "actor_states", ActorState{}.TableName())
}
