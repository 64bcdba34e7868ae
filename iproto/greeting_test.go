package iproto

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeGreeting(banner string, salt []byte) []byte {
	buf := bytes.Repeat([]byte{' '}, GreetingSize)
	copy(buf, banner)
	buf[GreetingLineSize-1] = '\n'
	copy(buf[GreetingLineSize:], base64.StdEncoding.EncodeToString(salt))
	buf[GreetingSize-1] = '\n'
	return buf
}

func TestParseGreeting(t *testing.T) {
	salt := bytes.Repeat([]byte{0x5a}, 32)

	g, err := ReadGreeting(bytes.NewReader(makeGreeting("Tarantool 2.11.1 (Binary) 3c2d4d7f", salt)))
	require.NoError(t, err)
	require.Equal(t, "Tarantool 2.11.1 (Binary) 3c2d4d7f", g.Banner)
	require.Equal(t, "2.11.1", g.Version)
	require.Equal(t, salt, g.Salt)
}

func TestParseGreetingErrors(t *testing.T) {
	salt := bytes.Repeat([]byte{1}, 32)

	tests := []struct {
		name  string
		input []byte
	}{
		{"short", []byte("Tarantool")},
		{"not tarantool", makeGreeting("memcached 1.6", salt)},
		{"salt too short", makeGreeting("Tarantool 2.11", []byte{1, 2, 3})},
		{"salt not base64", func() []byte {
			b := makeGreeting("Tarantool 2.11", salt)
			copy(b[GreetingLineSize:], "!!!!")
			return b
		}()},
		{"no salt", func() []byte {
			b := makeGreeting("Tarantool 2.11", nil)
			return b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGreeting(tt.input)
			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
		})
	}
}

func TestReadGreetingTruncated(t *testing.T) {
	_, err := ReadGreeting(bytes.NewReader([]byte("Tarantool")))
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
}

func TestScramble(t *testing.T) {
	salt := make([]byte, 32)
	for i := range salt {
		salt[i] = byte(i)
	}

	got := Scramble(salt, "secret")
	require.Len(t, got, sha1.Size)

	// The server recovers sha1(password) by xoring the proof with
	// sha1(salt + sha1(sha1(password))) and checks it hashes to the stored value.
	step1 := sha1.Sum([]byte("secret"))
	step2 := sha1.Sum(step1[:])
	mask := sha1.Sum(append(bytes.Clone(salt[:SaltSize]), step2[:]...))
	recovered := make([]byte, sha1.Size)
	for i := range recovered {
		recovered[i] = got[i] ^ mask[i]
	}
	require.Equal(t, step1[:], recovered)

	require.NotEqual(t, got, Scramble(salt, "other"))
	require.Equal(t, got, Scramble(salt[:SaltSize], "secret"), "only the first 20 salt bytes matter")
}
