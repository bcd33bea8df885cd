package ctlerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfClassifiesEachTaxonomyMember(t *testing.T) {
	assert.Equal(t, CodeUnhandled, CodeOf(NewUnhandledError("GET_TIME")))
	assert.Equal(t, CodeInvalid, CodeOf(NewInvalidError("missing entity_id")))
	assert.Equal(t, CodeLocked, CodeOf(NewLockedError("bus.1.CONFIGURATION.voltage_setpoint")))
	assert.Equal(t, CodeTimeout, CodeOf(NewTimeoutError("event_wait", 5000)))
	assert.Equal(t, CodeTransportError, CodeOf(NewTransportError("socket closed", nil)))
	assert.Equal(t, CodeInternal, CodeOf(NewInternalError(errors.New("boom"))))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("unrecognized")))
}

func TestInvalidErrorUnwraps(t *testing.T) {
	cause := errors.New("no such node")
	err := NewInvalidErrorf(cause, "node %q not found", "switch_1")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "switch_1")
}

func TestTransportErrorUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewTransportError("write failed", cause)
	assert.ErrorIs(t, err, cause)
}
