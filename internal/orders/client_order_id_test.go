package orders

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateClientOrderID(t *testing.T) {
	positionID := "3F2504E0-4F89-11D3-9A0C-0305E82C3301"

	for _, leg := range AllLegTypes() {
		t.Run(string(leg), func(t *testing.T) {
			id, err := GenerateClientOrderID(positionID, leg)
			require.NoError(t, err)
			assert.Equal(t, "MB-3f2504e0-"+string(leg), id)
			assert.LessOrEqual(t, len(id), MaxClientOrderIDLength)
			assert.NoError(t, ValidateClientOrderID(id))

			parsed := ParseClientOrderID(id)
			require.NotNil(t, parsed)
			assert.Equal(t, "3f2504e0", parsed.ShortID)
			assert.Equal(t, leg, parsed.Leg)
			assert.True(t, BelongsTo(id, positionID))
		})
	}
}

func TestGenerateClientOrderID_Errors(t *testing.T) {
	_, err := GenerateClientOrderID("", LegEntry)
	assert.ErrorIs(t, err, ErrEmptyPositionID)

	_, err = GenerateClientOrderID(uuid.New().String(), LegType("TRAIL"))
	assert.ErrorIs(t, err, ErrInvalidLegType)

	_, err = GenerateClientOrderID("abc", LegEntry)
	assert.ErrorIs(t, err, ErrInvalidClientOrderID)
}

func TestValidateClientOrderID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr error
	}{
		{"MB-0a1b2c3d-SL", nil},
		{"", ErrInvalidClientOrderID},
		{"MB-0a1b2c3d-TRAIL", ErrInvalidClientOrderID},
		{"MB-0A1B2C3D-SL", ErrInvalidClientOrderID},
		{"web_abc123", ErrInvalidClientOrderID},
		{"MB-" + strings.Repeat("a", 40) + "-SL", ErrClientOrderIDTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateClientOrderID(tt.id)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestBelongsTo(t *testing.T) {
	a, b := uuid.New().String(), uuid.New().String()
	id, err := GenerateClientOrderID(a, LegTakeProfit)
	require.NoError(t, err)

	assert.True(t, IsBotOrder(id))
	assert.True(t, BelongsTo(id, a))
	if ShortID(a) != ShortID(b) {
		assert.False(t, BelongsTo(id, b))
	}
	assert.False(t, IsBotOrder("manual-1"))
	assert.False(t, BelongsTo("manual-1", a))
	assert.Nil(t, ParseClientOrderID("manual-1"))
}
