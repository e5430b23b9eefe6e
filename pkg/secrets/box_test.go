package secrets

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestBox_RoundTrip(t *testing.T) {
	box, err := NewBox(randomKey(t), nil)
	require.NoError(t, err)

	plaintext := []byte(`{"api_key":"sk_live_abc123","subdomain":"acme"}`)
	ct, err := box.Encrypt(plaintext)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ct, "v1|"))
	assert.Len(t, strings.Split(ct, "|"), 4)
	assert.NotContains(t, ct, "sk_live_abc123")

	got, err := box.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestBox_DecryptWithPreviousKey(t *testing.T) {
	oldKey := randomKey(t)
	newKey := randomKey(t)

	oldBox, err := NewBox(oldKey, nil)
	require.NoError(t, err)
	ct, err := oldBox.Encrypt([]byte("secret"))
	require.NoError(t, err)

	// After rotation: new current key, old key in the previous slot.
	rotated, err := NewBox(newKey, oldKey)
	require.NoError(t, err)
	got, err := rotated.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)

	// Without the previous slot the old ciphertext is unreadable.
	fresh, err := NewBox(newKey, nil)
	require.NoError(t, err)
	_, err = fresh.Decrypt(ct)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestBox_ReEncrypt(t *testing.T) {
	oldKey := randomKey(t)
	newKey := randomKey(t)

	oldBox, _ := NewBox(oldKey, nil)
	ct, err := oldBox.Encrypt([]byte("rotate me"))
	require.NoError(t, err)

	rotated, _ := NewBox(newKey, oldKey)
	newCT, err := rotated.ReEncrypt(ct)
	require.NoError(t, err)
	require.NotEqual(t, ct, newCT)

	// The re-encrypted value opens under the new key alone.
	fresh, _ := NewBox(newKey, nil)
	got, err := fresh.Decrypt(newCT)
	require.NoError(t, err)
	assert.Equal(t, []byte("rotate me"), got)
}

func TestBox_RejectsBadInput(t *testing.T) {
	box, _ := NewBox(randomKey(t), nil)

	for _, ct := range []string{"", "v1|a|b", "v2|a|b|c", "v1|!!!|b|c"} {
		_, err := box.Decrypt(ct)
		assert.Error(t, err, "ciphertext %q", ct)
	}

	_, err := NewBox([]byte("short"), nil)
	assert.Error(t, err)
}

func TestBox_TamperedCiphertextFails(t *testing.T) {
	box, _ := NewBox(randomKey(t), nil)
	ct, err := box.Encrypt([]byte("payload"))
	require.NoError(t, err)

	parts := strings.Split(ct, "|")
	parts[3] = "AAAA" + parts[3][4:]
	_, err = box.Decrypt(strings.Join(parts, "|"))
	assert.ErrorIs(t, err, ErrDecrypt)
}
