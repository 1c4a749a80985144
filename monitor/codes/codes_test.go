package codes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePrimary(t *testing.T) {
	got, qt, err := Normalize("peki202508190001")
	require.NoError(t, err)
	assert.Equal(t, "PEKI202508190001", got)
	assert.Equal(t, QueryPrimary, qt)

	_, _, err = Normalize("PEKI2025")
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, _, err = Normalize("PEK1202508190001") // digit in the letter block
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestNormalizeSecondaryBothForms(t *testing.T) {
	// Without suffix.
	got, qt, err := Normalize("oam-12345/dp/2025")
	require.NoError(t, err)
	assert.Equal(t, "12345/DP/2025", got)
	assert.Equal(t, QuerySecondary, qt)

	// With suffix, no prefix.
	got, _, err = Normalize("12345-6/DP/2025")
	require.NoError(t, err)
	assert.Equal(t, "12345-6/DP/2025", got)
}

func TestParseSecondaryTuple(t *testing.T) {
	sec, err := ParseSecondary("OAM-98765-4/ZM/2024")
	require.NoError(t, err)
	assert.Equal(t, Secondary{Serial: "98765", Suffix: "4", Type: "ZM", Year: "2024"}, sec)
	assert.Equal(t, "98765-4/ZM/2024", sec.String())

	sec, err = ParseSecondary("555/TP/2023")
	require.NoError(t, err)
	assert.Empty(t, sec.Suffix)
	assert.Equal(t, "555/TP/2023", sec.String())

	_, err = ParseSecondary("abc/TP/2023")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestNormalizeLengthBound(t *testing.T) {
	_, _, err := Normalize(strings.Repeat("A", MaxInputLen+1))
	assert.ErrorIs(t, err, ErrTooLong)
}

func TestValidateEmail(t *testing.T) {
	got, err := ValidateEmail("user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", got)

	_, err = ValidateEmail("not-an-address")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = ValidateEmail("Name <user@example.com>")
	assert.ErrorIs(t, err, ErrInvalidEmail)
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "xxx***@example.com", MaskEmail("alice@example.com"))
	assert.Equal(t, "xxx***", MaskEmail("garbage"))
}
