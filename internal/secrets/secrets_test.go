package secrets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jveski/fleetpull/internal/failure"
)

func encrypt(t *testing.T, password string, values map[string]string, armor bool) []byte {
	buf := &bytes.Buffer{}
	require.NoError(t, Encrypt(buf, []byte(password), values, EncryptOptions{Armor: armor, WorkFactor: 10}))
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	for _, armor := range []bool{false, true} {
		bundle := encrypt(t, "shared password", map[string]string{"registry_token": "abc", "api_key": "xyz"}, armor)
		assert.NotContains(t, string(bundle), "abc")

		vals, err := Decrypt(bytes.NewReader(bundle), []byte("shared password"))
		require.NoError(t, err)
		assert.Equal(t, []string{"api_key", "registry_token"}, vals.Names())

		val, ok := vals.Lookup("registry_token")
		assert.True(t, ok)
		assert.Equal(t, "abc", val)

		vals.Discard()
		assert.Equal(t, 0, vals.Len())
	}
}

func TestWrongPassword(t *testing.T) {
	bundle := encrypt(t, "right", map[string]string{"a": "b"}, false)
	_, err := Decrypt(bytes.NewReader(bundle), []byte("wrong"))
	assert.True(t, failure.Is(err, failure.KindSecrets))
}

func TestCorruptCiphertext(t *testing.T) {
	bundle := encrypt(t, "right", map[string]string{"a": "b"}, false)
	bundle[len(bundle)-1] ^= 0xFF
	_, err := Decrypt(bytes.NewReader(bundle), []byte("right"))
	assert.True(t, failure.Is(err, failure.KindSecrets))

	_, err = Decrypt(bytes.NewReader([]byte("not an age file")), []byte("right"))
	assert.True(t, failure.Is(err, failure.KindSecrets))
}

func TestNilValues(t *testing.T) {
	var v *Values
	_, ok := v.Lookup("x")
	assert.False(t, ok)
	assert.Equal(t, 0, v.Len())
	assert.Equal(t, 0, Empty().Len())
}
