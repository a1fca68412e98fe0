package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kubeconfig = "apiVersion: v1\nkind: Config\n"

func newSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return s
}

func TestSealOpen(t *testing.T) {
	s := newSealer(t)
	sealed, err := s.Seal("prod", []byte(kubeconfig))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "kind: Config")
	assert.Equal(t, sealVersion, sealed[0])

	plain, err := s.Open("prod", sealed)
	require.NoError(t, err)
	assert.Equal(t, kubeconfig, string(plain))

	again, err := s.Seal("prod", []byte(kubeconfig))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestOpenRejectsOtherCluster(t *testing.T) {
	s := newSealer(t)
	sealed, err := s.Seal("prod", []byte(kubeconfig))
	require.NoError(t, err)

	_, err = s.Open("staging", sealed)
	assert.ErrorIs(t, err, ErrCiphertext)
}

func TestKeySize(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.ErrorIs(t, err, ErrKeySize)
}

func TestOpenRejectsDamagedData(t *testing.T) {
	s := newSealer(t)
	sealed, err := s.Seal("prod", []byte("secret"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = s.Open("prod", tampered)
	assert.ErrorIs(t, err, ErrCiphertext)

	wrongVersion := append([]byte(nil), sealed...)
	wrongVersion[0] = 9
	_, err = s.Open("prod", wrongVersion)
	assert.ErrorIs(t, err, ErrCiphertext)

	_, err = s.Open("prod", []byte{1, 2})
	assert.ErrorIs(t, err, ErrCiphertext)
}
