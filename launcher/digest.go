// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest of a translator payload.
type Digest [32]byte

// String returns the hex form used in logs.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Separate
// domains keep a pristine payload and its patched copy from ever
// producing the same digest, which is what makes the staging manifest
// able to distinguish "already patched" from "source changed". The
// byte values are the ASCII domain name, zero-padded to 32 bytes, so
// the keys stay readable in hex dumps.
type domainKey [32]byte

var (
	sourceDomainKey = domainKey{
		'g', 'u', 'e', 's', 't', 'b', 'o', 'x', '.', 's', 't', 'a', 'g', 'i', 'n', 'g',
		'.', 's', 'o', 'u', 'r', 'c', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	stagedDomainKey = domainKey{
		'g', 'u', 'e', 's', 't', 'b', 'o', 'x', '.', 's', 't', 'a', 'g', 'i', 'n', 'g',
		'.', 's', 't', 'a', 'g', 'e', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// digestSource hashes a decompressed translator payload as shipped.
func digestSource(data []byte) Digest {
	return keyedDigest(sourceDomainKey, data)
}

// digestStaged hashes the bytes staged on disk, patch applied.
func digestStaged(data []byte) Digest {
	return keyedDigest(stagedDomainKey, data)
}

func keyedDigest(key domainKey, data []byte) Digest {
	// NewKeyed only fails on a wrong key length, which the fixed-size
	// type rules out.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("launcher: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}
