package ir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("update: %w", NotFound("Post", "p1"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConditionFailed(err))
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestErrorMessage(t *testing.T) {
	err := ValidationError("Post", "title", "required field missing")
	assert.Equal(t, "VALIDATION: required field missing (Post) field=title", err.Error())

	err2 := ConditionFailed("Post", "p1")
	assert.Equal(t, "CONDITION_FAILED: condition evaluated false (Post/p1)", err2.Error())
}

func TestSyncUnavailableUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := SyncUnavailable(cause)
	assert.True(t, IsSyncUnavailable(err))
	assert.ErrorIs(t, err, cause)
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("boom")))
	assert.False(t, IsStaleCursor(nil))
	assert.True(t, IsStaleCursor(StaleCursor("Post", "p1")))
	assert.True(t, IsValidation(ValidationError("Post", "", "bad")))
}
