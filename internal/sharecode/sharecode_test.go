package sharecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		code string
		want bool
	}{
		{name: "dashed", code: "CSGO-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", want: true},
		{name: "undashed", code: "CSGOAAAAABBBBBCCCCCDDDDDEEEEE", want: true},
		{name: "mixed dashes", code: "CSGO-AAAAABBBBB-CCCCC-DDDDDEEEEE", want: true},
		{name: "missing prefix", code: "AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", want: false},
		{name: "lowercase prefix", code: "csgo-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", want: false},
		{name: "four groups", code: "CSGO-AAAAA-BBBBB-CCCCC-DDDDD", want: false},
		{name: "short group", code: "CSGO-AAAA-BBBBB-CCCCC-DDDDD-EEEEE", want: false},
		{name: "underscore", code: "CSGO-AAAA_-BBBBB-CCCCC-DDDDD-EEEEE", want: false},
		{name: "trailing garbage", code: "CSGO-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE-", want: false},
		{name: "empty", code: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Validate(tt.code))
		})
	}
}

func TestDecode(t *testing.T) {
	code, err := Decode("CSGO-GADqf-jjyJ8-cSP2r-smZRo-TO2xK")
	require.NoError(t, err)

	assert.Equal(t, uint64(3230642215713767580), code.MatchID)
	assert.Equal(t, uint64(3230647599455273103), code.OutcomeID)
	assert.Equal(t, uint32(55788), code.Token)
}

func TestDecode_Undashed(t *testing.T) {
	dashed, err := Decode("CSGO-GADqf-jjyJ8-cSP2r-smZRo-TO2xK")
	require.NoError(t, err)

	undashed, err := Decode("CSGOGADqfjjyJ8cSP2rsmZRoTO2xK")
	require.NoError(t, err)

	assert.Equal(t, dashed, undashed)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode("not-a-code")
	require.ErrorIs(t, err, ErrInvalidFormat)

	// '0' matches the shape but is not part of the alphabet.
	_, err = Decode("CSGO-0AAAA-BBBBB-CCCCC-DDDDD-EEEEE")
	require.ErrorIs(t, err, ErrInvalidFormat)

	// The largest 25-symbol value does not fit in 18 bytes.
	_, err = Decode("CSGO-99999-99999-99999-99999-99999")
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestEncode_RoundTrip(t *testing.T) {
	assert.Equal(t, "CSGO-GADqf-jjyJ8-cSP2r-smZRo-TO2xK", Encode(Code{
		MatchID:   3230642215713767580,
		OutcomeID: 3230647599455273103,
		Token:     55788,
	}))

	code := Code{MatchID: 42, OutcomeID: 7, Token: 1}

	decoded, err := Decode(Encode(code))
	require.NoError(t, err)
	assert.Equal(t, code, decoded)
}
