package detect

import (
	"crypto/sha256"
	"math/big"
	"strings"
)

// Check post-validates a regular expression match.
type Check func(match string) bool

var checks = map[string]Check{
	"base58check":  base58Check,
	"phone-digits": phoneDigits,
	"luhn":         luhnCheck,
}

// LookupCheck returns the named match check.
func LookupCheck(name string) (Check, bool) {
	c, ok := checks[name]
	return c, ok
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// base58Check validates a Base58Check encoded payload (legacy Bitcoin and
// Litecoin addresses): the last four decoded bytes must equal the first four
// bytes of the double SHA-256 of the rest.
func base58Check(s string) bool {
	if len(s) < 5 {
		return false
	}
	n := new(big.Int)
	radix := big.NewInt(58)
	for _, r := range s {
		idx := strings.IndexRune(base58Alphabet, r)
		if idx < 0 {
			return false
		}
		n.Mul(n, radix)
		n.Add(n, big.NewInt(int64(idx)))
	}
	decoded := n.Bytes()
	for _, r := range s {
		if r != '1' {
			break
		}
		decoded = append([]byte{0}, decoded...)
	}
	if len(decoded) < 5 {
		return false
	}
	payload, checksum := decoded[:len(decoded)-4], decoded[len(decoded)-4:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	for i := 0; i < 4; i++ {
		if second[i] != checksum[i] {
			return false
		}
	}
	return true
}

// phoneDigits accepts numbers carrying between 7 and 15 digits (E.164 upper bound).
func phoneDigits(s string) bool {
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 7 && digits <= 15
}

// luhnCheck validates a number using the Luhn algorithm
func luhnCheck(s string) bool {
	s = strings.NewReplacer(" ", "", "-", "").Replace(s)
	if len(s) < 13 || len(s) > 19 {
		return false
	}
	sum := 0
	second := false
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
		digit := int(s[i] - '0')
		if second {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		second = !second
	}
	return sum%10 == 0
}
