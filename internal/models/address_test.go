package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewContentAddress_Deterministic(t *testing.T) {
	secret := []byte("test-secret")
	raw := []byte("contract body bytes")
	params := map[string]string{"ocr_model": "vision-2", "dpi": "300"}

	a := NewContentAddress(secret, raw, 3, params)
	b := NewContentAddress(secret, raw, 3, params)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
}

func TestNewContentAddress_SecretKeyed(t *testing.T) {
	raw := []byte("identical bytes")

	a := NewContentAddress([]byte("secret-a"), raw, 3, nil)
	b := NewContentAddress([]byte("secret-b"), raw, 3, nil)

	// Different backend secrets must produce unrelated addresses, otherwise
	// a known address becomes an existence oracle.
	assert.NotEqual(t, a.ContentHMAC, b.ContentHMAC)
}

func TestNewContentAddress_DistinguishesInputs(t *testing.T) {
	secret := []byte("test-secret")

	t.Run("different bytes", func(t *testing.T) {
		a := NewContentAddress(secret, []byte("doc one"), 3, nil)
		b := NewContentAddress(secret, []byte("doc two"), 3, nil)
		assert.NotEqual(t, a.ContentHMAC, b.ContentHMAC)
	})

	t.Run("different algorithm version", func(t *testing.T) {
		a := NewContentAddress(secret, []byte("doc"), 3, nil)
		b := NewContentAddress(secret, []byte("doc"), 4, nil)
		assert.False(t, a.Equal(b))
		assert.NotEqual(t, a.Key(), b.Key())
	})

	t.Run("different params", func(t *testing.T) {
		a := NewContentAddress(secret, []byte("doc"), 3, map[string]string{"dpi": "300"})
		b := NewContentAddress(secret, []byte("doc"), 3, map[string]string{"dpi": "600"})
		assert.NotEqual(t, a.ParamsFingerprint, b.ParamsFingerprint)
	})
}

func TestParamsFingerprint_OrderIndependent(t *testing.T) {
	a := ParamsFingerprint(map[string]string{"a": "1", "b": "2", "c": "3"})
	b := ParamsFingerprint(map[string]string{"c": "3", "a": "1", "b": "2"})

	assert.Equal(t, a, b)
}

func TestParamsFingerprint_BoundaryUnambiguous(t *testing.T) {
	// "ab"->"c" and "a"->"bc" must not collapse to the same byte stream
	a := ParamsFingerprint(map[string]string{"ab": "c"})
	b := ParamsFingerprint(map[string]string{"a": "bc"})

	assert.NotEqual(t, a, b)
}

func TestParamsFingerprint_Empty(t *testing.T) {
	assert.Equal(t, ParamsFingerprint(nil), ParamsFingerprint(map[string]string{}))
}
