package downloader

import (
	"errors"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrInvalidSignature is returned for payloads whose magic bytes do not
	// match an accepted artifact type.
	ErrInvalidSignature = errors.New("invalid artifact signature")

	// ErrEmptyPayload is returned for zero-length payloads.
	ErrEmptyPayload = errors.New("empty artifact payload")
)

// DefaultAllowedTypes are the artifact types the portal legitimately serves.
var DefaultAllowedTypes = []string{
	"application/pdf",
	"application/zip",
	"text/xml",
	"application/xml",
}

// Signature is the detected type of a payload.
type Signature struct {
	MIME      string
	Extension string
}

// Validate detects the type of body from its content and checks it against
// allowed. The server-declared content type is never consulted: the portal
// labels PDFs as octet-stream and serves HTML error pages as PDFs.
func Validate(body []byte, allowed []string) (Signature, error) {
	if len(body) == 0 {
		return Signature{}, ErrEmptyPayload
	}

	mt := mimetype.Detect(body)
	sig := Signature{MIME: mt.String(), Extension: mt.Extension()}

	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/html") {
			return sig, fmt.Errorf("%w: got HTML page", ErrInvalidSignature)
		}
	}
	for m := mt; m != nil; m = m.Parent() {
		for _, a := range allowed {
			if m.Is(a) {
				return sig, nil
			}
		}
	}
	return sig, fmt.Errorf("%w: detected %s", ErrInvalidSignature, mt.String())
}
