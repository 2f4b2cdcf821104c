package spec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// AgeDecrypter opens secure values sealed to an X25519 age recipient.
// Tokens are base64 of the binary age ciphertext.
type AgeDecrypter struct {
	identity *age.X25519Identity
}

func NewAgeDecrypter(identity string) (*AgeDecrypter, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("parsing secure token identity: %w", err)
	}
	return &AgeDecrypter{identity: id}, nil
}

// Recipient is the public key users seal values to.
func (d *AgeDecrypter) Recipient() string {
	return d.identity.Recipient().String()
}

func (d *AgeDecrypter) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return "", fmt.Errorf("decoding base64 token: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), d.identity)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	plain, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading decrypted value: %w", err)
	}
	return string(plain), nil
}

// EncryptSecureValue seals plaintext for recipient, producing a token for
// use as {secure: <token>} in .badwolf.yml.
func EncryptSecureValue(plaintext, recipient string) (string, error) {
	r, err := age.ParseX25519Recipient(strings.TrimSpace(recipient))
	if err != nil {
		return "", fmt.Errorf("parsing recipient %q: %w", recipient, err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, r)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
