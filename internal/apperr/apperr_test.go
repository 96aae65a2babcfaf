package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorUnwrapsToKind(t *testing.T) {
	err := New(ErrPoolTooSmall, "cannot shrink pool", "new_total", 940, "minimum", 950)

	require.ErrorIs(t, err, ErrPoolTooSmall)
	assert.Equal(t, "pool too small: cannot shrink pool (minimum=950, new_total=940)", err.Error())
}

func TestWrappedErrorKeepsDetails(t *testing.T) {
	err := fmt.Errorf("resize: %w", New(ErrInsufficientReserve, "", "requested", 60, "remaining", 50))

	details, _ := Details(err)
	assert.Equal(t, "60", details["requested"])
	assert.Equal(t, "InsufficientReserve", KindName(err))
}

func TestNoOpIsInvalidQuantity(t *testing.T) {
	err := New(ErrNoOp, "quantity unchanged")

	assert.True(t, errors.Is(err, ErrInvalidQuantity))
	assert.Equal(t, "NoOp", KindName(err))
}

func TestKindNameUnknown(t *testing.T) {
	assert.Equal(t, "internal", KindName(errors.New("boom")))
}
