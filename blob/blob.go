// Package blob moves oversize payloads out of line. Anything larger than
// MaxObjectSize must be carried by handle instead of inline bytes.
package blob

import (
	"context"
	"errors"
)

// MaxObjectSize is the largest payload that may travel inline in a single
// message: 16 MiB less a framing allowance.
const MaxObjectSize = 16<<20 - 1024

var ErrNotFound = errors.New("blob: not found")

type Store interface {
	// Upload stores data and returns its handle.
	Upload(ctx context.Context, data []byte) (string, error)
	// Download resolves a handle back to bytes.
	Download(ctx context.Context, id string) ([]byte, error)
}
