package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	e := New(KindCoercion, "column %s: bad boolean %q", "u_active", "maybe")
	assert.Equal(t, `coercion: column u_active: bad boolean "maybe"`, e.Error())
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection reset")
	e := Wrap(KindTransport, cause, "request failed")
	require.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "connection reset")
}

func TestOf(t *testing.T) {
	e := New(KindQuota, "table exceeds 100000 rows")
	wrapped := fmt.Errorf("sync failed: %w", e)

	kind, ok := Of(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindQuota, kind)

	_, ok = Of(errors.New("plain error"))
	assert.False(t, ok)
}

func TestIsClassCheck(t *testing.T) {
	a := New(KindPlan, "rename attempted")
	b := New(KindPlan, "immutable field changed")
	assert.True(t, errors.Is(a, b))

	c := New(KindSchema, "missing element array")
	assert.False(t, errors.Is(a, c))
}
