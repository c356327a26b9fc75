package wire

import (
	"encoding/pem"
	"fmt"
)

// EncodePEM renders der as a PEM block with the given type, e.g. "RSA PRIVATE KEY".
func EncodePEM(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

// DecodePEM parses the first PEM block in data and returns its type and DER body.
func DecodePEM(data []byte) (blockType string, der []byte, err error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return "", nil, malformed("no PEM block found")
	}
	return block.Type, block.Bytes, nil
}

// ExpectHeaderFooter validates that data begins with header and ends with
// footer, compared byte for byte (data must already have CRLF normalized
// to LF; keys.Load does this before calling it), matching the original ne7ssh_keys
// exact-string header/footer check rather than a full PEM parse on the
// outer envelope.
func ExpectHeaderFooter(data []byte, header, footer string) error {
	s := string(data)
	if len(s) < len(header)+len(footer) {
		return malformed("key file too short for header/footer")
	}
	if s[:len(header)] != header {
		return fmt.Errorf("%w: unexpected header", ErrMalformed)
	}
	if s[len(s)-len(footer):] != footer {
		return fmt.Errorf("%w: unexpected footer", ErrMalformed)
	}
	return nil
}
