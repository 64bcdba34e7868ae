package iproto

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// Greeting is the banner a server sends right after accepting a connection.
type Greeting struct {
	// Banner is the first line, e.g. "Tarantool 2.11.1 (Binary) 8f1b...".
	Banner string

	// Version is the second word of the banner.
	Version string

	// Salt is the decoded authentication salt.
	Salt []byte
}

// ReadGreeting reads and parses the fixed-size greeting from r.
func ReadGreeting(r io.Reader) (*Greeting, error) {
	buf := make([]byte, GreetingSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, &TransportError{Op: "greeting", Err: err}
	}
	return ParseGreeting(buf)
}

// ParseGreeting parses a 128 byte greeting made of two 64 byte lines.
func ParseGreeting(buf []byte) (*Greeting, error) {
	if len(buf) != GreetingSize {
		return nil, &ProtocolError{Message: fmt.Sprintf("greeting is %d bytes", len(buf))}
	}

	banner := strings.TrimRight(string(buf[:GreetingLineSize]), " \n\x00")
	if !strings.HasPrefix(banner, "Tarantool") {
		return nil, &ProtocolError{Message: fmt.Sprintf("unexpected greeting %q", banner)}
	}

	g := &Greeting{Banner: banner}
	if words := strings.Fields(banner); len(words) > 1 {
		g.Version = words[1]
	}

	fields := bytes.Fields(buf[GreetingLineSize:])
	if len(fields) == 0 {
		return nil, &ProtocolError{Message: "greeting has no salt"}
	}
	salt, err := base64.StdEncoding.DecodeString(string(fields[0]))
	if err != nil {
		return nil, &ProtocolError{Message: "greeting salt is not base64", Err: err}
	}
	if len(salt) < SaltSize {
		return nil, &ProtocolError{Message: fmt.Sprintf("greeting salt is %d bytes", len(salt))}
	}
	g.Salt = salt
	return g, nil
}

// Scramble computes the chap-sha1 proof for password with the greeting salt:
//
//	sha1(salt[:20] + sha1(sha1(password))) XOR sha1(password)
func Scramble(salt []byte, password string) []byte {
	step1 := sha1.Sum([]byte(password))
	step2 := sha1.Sum(step1[:])

	h := sha1.New()
	h.Write(salt[:SaltSize])
	h.Write(step2[:])
	step3 := h.Sum(nil)

	for i := range step3 {
		step3[i] ^= step1[i]
	}
	return step3
}
