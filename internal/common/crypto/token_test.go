package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func TestSealOpen_RoundTrip(t *testing.T) {
	s, err := NewTokenSealer(testKey)
	assert.NoError(t, err)

	sealed, err := s.Seal("ya29.access-token-value")
	assert.NoError(t, err)
	assert.NotEqual(t, "ya29.access-token-value", sealed)
	assert.NotContains(t, sealed, "access-token")

	opened, err := s.Open(sealed)
	assert.NoError(t, err)
	assert.Equal(t, "ya29.access-token-value", opened)
}

func TestSeal_NonDeterministic(t *testing.T) {
	s, err := NewTokenSealer(testKey)
	assert.NoError(t, err)

	a, err := s.Seal("same-token")
	assert.NoError(t, err)
	b, err := s.Seal("same-token")
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSealOpen_Empty(t *testing.T) {
	s, err := NewTokenSealer(testKey)
	assert.NoError(t, err)

	sealed, err := s.Seal("")
	assert.NoError(t, err)
	assert.Empty(t, sealed)

	opened, err := s.Open("")
	assert.NoError(t, err)
	assert.Empty(t, opened)
}

func TestOpen_Tampered(t *testing.T) {
	s, err := NewTokenSealer(testKey)
	assert.NoError(t, err)

	sealed, err := s.Seal("refresh-token")
	assert.NoError(t, err)

	tampered := strings.Replace(sealed, sealed[:1], "A", 1)
	if tampered == sealed {
		tampered = "B" + sealed[1:]
	}
	_, err = s.Open(tampered)
	assert.Error(t, err)
}

func TestNewTokenSealer_BadKey(t *testing.T) {
	_, err := NewTokenSealer("not-hex")
	assert.Error(t, err)

	_, err = NewTokenSealer("abcd")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}
