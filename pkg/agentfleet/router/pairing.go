package router

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

// CodeLength is the number of characters in a pairing code.
const CodeLength = 6

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var codeToken = regexp.MustCompile(`\b[A-Za-z0-9]{6}\b`)

// ExtractCode finds the first whole six-character token that mixes letters
// and digits and returns it upper-cased.
func ExtractCode(text string) (string, bool) {
	for _, tok := range codeToken.FindAllString(text, -1) {
		if IsCode(tok) {
			return strings.ToUpper(tok), true
		}
	}
	return "", false
}

// IsCode reports whether s has the pairing code format: six characters
// from A-Z0-9 with at least one letter and one digit, so plain words and
// numbers in conversation are never taken for codes.
func IsCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	var digit, letter bool
	for _, c := range strings.ToUpper(s) {
		switch {
		case c >= '0' && c <= '9':
			digit = true
		case c >= 'A' && c <= 'Z':
			letter = true
		default:
			return false
		}
	}
	return digit && letter
}

// GenerateCode returns a random pairing code.
func GenerateCode() (string, error) {
	size := big.NewInt(int64(len(codeAlphabet)))
	for {
		var b strings.Builder
		for i := 0; i < CodeLength; i++ {
			n, err := rand.Int(rand.Reader, size)
			if err != nil {
				return "", err
			}
			b.WriteByte(codeAlphabet[n.Int64()])
		}
		if code := b.String(); IsCode(code) {
			return code, nil
		}
	}
}
