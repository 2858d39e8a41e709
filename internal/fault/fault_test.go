// ABOUTME: Tests that the wrap helpers stay matchable via errors.Is
// ABOUTME: and carry their formatted detail text

package fault

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHelpersWrapSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{Validationf("field %s missing", "title"), ErrValidation},
		{Authorizationf("agent %s denied", "agt_a"), ErrAuthorization},
		{NotFoundf("task %s", "t1"), ErrNotFound},
		{Conflictf("already %s", "done"), ErrConflict},
		{Concurrencyf("task %s raced", "t1"), ErrConcurrency},
	}
	for _, c := range cases {
		assert.ErrorIs(t, c.err, c.sentinel)
	}
}

func TestHelpersCarryDetail(t *testing.T) {
	err := NotFoundf("task %s", "t1")
	assert.Contains(t, err.Error(), "task t1")
	assert.Contains(t, err.Error(), ErrNotFound.Error())
}

func TestSentinelsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(Conflictf("x"), ErrConcurrency))
	assert.False(t, errors.Is(Concurrencyf("x"), ErrConflict))
	assert.False(t, errors.Is(NotFoundf("x"), ErrValidation))
}
