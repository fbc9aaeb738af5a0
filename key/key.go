// Package key handles WireGuard keys: X25519 key pairs and preshared keys.
package key

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ErrInvalidKeyFormat is wrapped by every parse error in this package.
var ErrInvalidKeyFormat = errors.New("invalid key format")

// a 256-bit value leaves 4 zero bits in the last base64 character
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9+/]{42}[AEIMQUYcgkosw048]=$`)

// Key is a 32-byte private, public or preshared key.
// Its String form is the canonical 44-character base64 encoding.
type Key wgtypes.Key

// Parse validates and decodes a base64 key.
func Parse(s string) (Key, error) {
	if !keyPattern.MatchString(s) {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKeyFormat, redact(s))
	}
	k, err := wgtypes.ParseKey(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %w", ErrInvalidKeyFormat, err)
	}
	return Key(k), nil
}

func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// ParseHex decodes the lowercase hex form used by the control protocol.
func ParseHex(s string) (Key, error) {
	if len(s) != hex.EncodedLen(wgtypes.KeyLen) {
		return Key{}, fmt.Errorf("%w: hex key must be %d characters", ErrInvalidKeyFormat, hex.EncodedLen(wgtypes.KeyLen))
	}
	var k Key
	_, err := hex.Decode(k[:], []byte(s))
	if err != nil {
		return Key{}, fmt.Errorf("%w: %w", ErrInvalidKeyFormat, err)
	}
	return k, nil
}

func redact(s string) string {
	if len(s) > 8 {
		return s[:4] + "…"
	}
	return s
}

func (k Key) String() string { return wgtypes.Key(k).String() }

func (k Key) Hex() string { return hex.EncodeToString(k[:]) }

func (k Key) IsZero() bool { return k == Key{} }

// PublicKey derives the public key, treating k as a private key.
func (k Key) PublicKey() Key { return Key(wgtypes.Key(k).PublicKey()) }

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(data []byte) error {
	k2, err := Parse(string(data))
	if err != nil {
		return err
	}
	*k = k2
	return nil
}

// Pair is a private key and its derived public key.
type Pair struct {
	Private Key
	Public  Key
}

// String only shows the public half so a Pair can be logged.
func (p Pair) String() string { return p.Public.String() }

func GeneratePair() (Pair, error) {
	private, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return Pair{}, fmt.Errorf("generating private key: %w", err)
	}
	return Pair{Private: Key(private), Public: Key(private.PublicKey())}, nil
}

// PairFrom derives the pair of a private key.
func PairFrom(private Key) (Pair, error) {
	if private.IsZero() {
		return Pair{}, fmt.Errorf("%w: zero private key", ErrInvalidKeyFormat)
	}
	return Pair{Private: private, Public: private.PublicKey()}, nil
}

// GeneratePreshared returns a random symmetric key, independent of any key pair.
func GeneratePreshared() (Key, error) {
	k, err := wgtypes.GenerateKey()
	if err != nil {
		return Key{}, fmt.Errorf("generating preshared key: %w", err)
	}
	return Key(k), nil
}
