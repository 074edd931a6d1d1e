// Package sharecode validates and decodes CS2 match sharecodes.
package sharecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

const (
	prefix     = "CSGO"
	dictionary = "ABCDEFGHJKLMNOPQRSTUVWXYZabcdefhijkmnopqrstuvwxyz23456789"
	symbols    = 25
	byteLen    = 18
)

var (
	pattern = regexp.MustCompile(`^CSGO(-?[A-Za-z0-9]{5}){5}$`)

	ErrInvalidFormat = errors.New("invalid sharecode format")
)

// Code is the decoded content of a sharecode.
type Code struct {
	MatchID   uint64
	OutcomeID uint64
	Token     uint32
}

// Validate reports whether s has the shape of a sharecode: the CSGO prefix
// followed by five groups of five alphanumeric characters, dashes optional.
func Validate(s string) bool {
	return pattern.MatchString(s)
}

// Decode extracts the match id, outcome id and token from a sharecode.
func Decode(s string) (Code, error) {
	if !Validate(s) {
		return Code{}, ErrInvalidFormat
	}

	chars := strings.ReplaceAll(strings.TrimPrefix(s, prefix), "-", "")

	base := big.NewInt(int64(len(dictionary)))
	n := new(big.Int)

	// The last symbol is the most significant digit.
	for i := symbols - 1; i >= 0; i-- {
		idx := strings.IndexByte(dictionary, chars[i])
		if idx < 0 {
			return Code{}, fmt.Errorf("%w: unexpected symbol %q", ErrInvalidFormat, chars[i])
		}

		n.Mul(n, base)
		n.Add(n, big.NewInt(int64(idx)))
	}

	if n.BitLen() > byteLen*8 {
		return Code{}, fmt.Errorf("%w: value overflows %d bytes", ErrInvalidFormat, byteLen)
	}

	var raw [byteLen]byte

	n.FillBytes(raw[:])

	return Code{
		MatchID:   binary.LittleEndian.Uint64(raw[0:8]),
		OutcomeID: binary.LittleEndian.Uint64(raw[8:16]),
		Token:     uint32(binary.LittleEndian.Uint16(raw[16:18])),
	}, nil
}

// Encode is the inverse of Decode.
func Encode(c Code) string {
	var raw [byteLen]byte

	binary.LittleEndian.PutUint64(raw[0:8], c.MatchID)
	binary.LittleEndian.PutUint64(raw[8:16], c.OutcomeID)
	binary.LittleEndian.PutUint16(raw[16:18], uint16(c.Token))

	n := new(big.Int).SetBytes(raw[:])
	base := big.NewInt(int64(len(dictionary)))
	mod := new(big.Int)

	var out [symbols]byte

	for i := range symbols {
		n.DivMod(n, base, mod)
		out[i] = dictionary[mod.Int64()]
	}

	var b strings.Builder

	b.WriteString(prefix)

	for i := 0; i < symbols; i += 5 {
		b.WriteByte('-')
		b.Write(out[i : i+5])
	}

	return b.String()
}
