package secretstore

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestParseKey(t *testing.T) {
	key := testKey()

	got, err := ParseKey(hex.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	got, err = ParseKey("0x" + hex.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	got, err = ParseKey(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	got, err = ParseKey("  ")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = ParseKey("abcd")
	assert.Error(t, err)
	_, err = ParseKey("not a key!")
	assert.Error(t, err)
}

func TestStringsAndCredentials(t *testing.T) {
	s, err := Open(OpenOptions{Path: t.TempDir(), EncryptionKey: testKey()})
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.GetString("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetString("empty", ""))
	v, ok, err := s.GetString("empty")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, v)

	_, ok, err = s.LoadCredentials()
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, s.PutCredentials(Credentials{ClientID: "id"}))
	require.NoError(t, s.PutCredentials(Credentials{ClientID: "id", ClientSecret: "secret"}))
	c, ok, err := s.LoadCredentials()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Credentials{ClientID: "id", ClientSecret: "secret"}, c)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(OpenOptions{})
	assert.Error(t, err)

	var s *Store
	assert.NoError(t, s.Close())
	_, _, err = s.GetString("k")
	assert.Error(t, err)
}
