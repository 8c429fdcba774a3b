// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/bureau-foundation/tallow/lib/digest"
)

// ManifestBlockSize is the leaf size of the manifest tree. It is fixed
// so the manifest does not depend on the adaptive chunk size.
const ManifestBlockSize = 1 << 20

// Manifest identifies file content.
type Manifest struct {
	Size int64 `cbor:"size"`

	// Root is the Merkle root over the BLAKE3 digests of each
	// ManifestBlockSize block.
	Root digest.Hash `cbor:"root"`

	// Digest is the BLAKE3 digest of the whole file.
	Digest digest.Hash `cbor:"digest"`
}

// fileNamespace scopes content-derived file ids.
var fileNamespace = uuid.MustParse("2d0b7c1e-8a44-4f5e-9c61-7a3e5b0d9f12")

// FileID is a name-based UUID of the size and root, so the same content
// always gets the same id and a resumed transfer finds its snapshot.
func (m Manifest) FileID() string {
	var name [8 + digest.Size]byte
	binary.BigEndian.PutUint64(name[:8], uint64(m.Size))
	copy(name[8:], m.Root[:])
	return uuid.NewSHA1(fileNamespace, name[:]).String()
}

// ErrManifestMismatch means reassembled content does not match the
// sender's manifest.
var ErrManifestMismatch = errors.New("transfer: file does not match manifest")

// BuildManifest reads size bytes from r.
func BuildManifest(r io.ReaderAt, size int64) (Manifest, error) {
	fileHasher := digest.New(digest.File)
	var leaves []digest.Hash
	buffer := make([]byte, ManifestBlockSize)
	for offset := int64(0); offset < size; {
		n := int(min(int64(len(buffer)), size-offset))
		if err := readFull(r, buffer[:n], offset); err != nil {
			return Manifest{}, fmt.Errorf("transfer: reading block at %d: %w", offset, err)
		}
		fileHasher.Write(buffer[:n])
		leaves = append(leaves, digest.Sum(digest.Chunk, buffer[:n]))
		offset += int64(n)
	}
	manifest := Manifest{Size: size, Digest: fileHasher.Sum()}
	if len(leaves) == 0 {
		manifest.Root = digest.Sum(digest.Manifest, nil)
	} else {
		manifest.Root = digest.MerkleRoot(digest.Manifest, leaves)
	}
	return manifest, nil
}

// Verify rebuilds the manifest from r and compares.
func (m Manifest) Verify(r io.ReaderAt) error {
	got, err := BuildManifest(r, m.Size)
	if err != nil {
		return err
	}
	if got.Root != m.Root || got.Digest != m.Digest {
		return fmt.Errorf("%w: digest %s, want %s", ErrManifestMismatch, got.Digest.Short(), m.Digest.Short())
	}
	return nil
}

// readFull fills buffer from offset. io.EOF with a full buffer is not
// an error.
func readFull(r io.ReaderAt, buffer []byte, offset int64) error {
	n, err := r.ReadAt(buffer, offset)
	if n == len(buffer) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
