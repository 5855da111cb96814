package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		id   Identity
		err  error
	}{
		{"registered", RegisteredIdentity(42), nil},
		{"anon fresh", NewAnonIdentity(), nil},
		{"empty", Identity{}, ErrIdentityEmpty},
		{"both set", Identity{UserID: 1, AnonToken: "anon_x"}, ErrIdentityAmbiguous},
		{"anon missing prefix", AnonIdentity("b7e2c1d4-0000-0000-0000-000000000000"), ErrAnonTokenFormat},
		{"anon not a uuid", AnonIdentity("anon_not-a-uuid"), ErrAnonTokenFormat},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.id.Validate()
			if tc.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestIdentityKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "42", RegisteredIdentity(42).Key())

	anon := NewAnonIdentity()
	require.NoError(t, anon.Validate())
	assert.Equal(t, anon.AnonToken, anon.Key())
	assert.True(t, anon.IsAnon())
	assert.False(t, RegisteredIdentity(42).IsAnon())
}

func TestValidateCoordinates(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateCoordinates(-33.45, -70.66))
	assert.Error(t, ValidateCoordinates(91, 0))
	assert.Error(t, ValidateCoordinates(0, -181))
	// NaN compares false against every bound, so the range checks alone
	// would wave it through.
	assert.Error(t, ValidateCoordinates(math.NaN(), 0))
	assert.Error(t, ValidateCoordinates(0, math.NaN()))
}
