package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, KindNone, Classify(nil))
	assert.Equal(t, KindConflict, Classify(Conflictf("match %s edited", "m1")))
	assert.Equal(t, KindValidation, Classify(Validationf("negative score")))
	assert.Equal(t, KindTransient, Classify(NewTransientError(errors.New("503"))))
	assert.Equal(t, KindTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindTransient, Classify(errors.New("connection reset")))
}

func TestClassify_Wrapped(t *testing.T) {
	err := fmt.Errorf("submit entry e1: %w", Conflictf("already exists"))
	assert.True(t, IsConflict(err))
	assert.False(t, IsTransient(err))
	assert.Equal(t, "submit entry e1: already exists", err.Error())
}

func TestSubmitError_ExhaustedIsNotASubmitKind(t *testing.T) {
	// Only the retry policy produces exhausted; a remote claiming it is
	// still just a transient failure.
	err := &SubmitError{Kind: KindExhausted, Err: errors.New("x")}
	assert.Equal(t, KindTransient, Classify(err))
}

func TestSubmitError_Unwrap(t *testing.T) {
	base := errors.New("root")
	err := NewValidationError(base)
	assert.True(t, errors.Is(err, base))
	assert.True(t, IsValidation(err))
}
