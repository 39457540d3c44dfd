// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/guestbox-project/guestbox/lib/codec"
)

// ManifestName is the per-root staging manifest file.
const ManifestName = ".guestbox-staging"

// stagingRecord holds the digests that tie a staged backend to its
// source: the source digest decides whether restaging is needed, the
// staged digest detects tampering or partial writes.
type stagingRecord struct {
	SourceDigest Digest `cbor:"source_digest"`
	StagedDigest Digest `cbor:"staged_digest"`
}

// stagingManifest maps backend names (translator32, translator64) to
// their staging records.
type stagingManifest struct {
	Backends map[string]*stagingRecord `cbor:"backends"`
}

// zstdDecoder is shared across stagings; zstd.Decoder is safe for
// concurrent use.
var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("launcher: zstd decoder initialization failed: " + err.Error())
	}
}

// Stager prepares translator binaries inside a translated root. The
// staged copy is the decompressed source with its ELF interpreter
// patched to the host linker; the manifest makes repeat stagings
// cheap and patch state unambiguous.
type Stager struct {
	root       string
	hostLinker string
	logger     *slog.Logger
}

// NewStager creates a stager for root. The root directory must exist.
func NewStager(root, hostLinker string, logger *slog.Logger) *Stager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{root: root, hostLinker: hostLinker, logger: logger}
}

// Stage ensures the backend's patched translator is present in the
// root and returns its path. When the manifest shows the staged copy
// matches the current source, nothing is written. A staged copy whose
// digest matches neither the recorded staged state nor the pristine
// source is re-derived from source; the patch is never applied on top
// of an already-patched image of unknown provenance.
func (s *Stager) Stage(sourcePath, backend string) (string, error) {
	payload, err := loadPayload(sourcePath)
	if err != nil {
		return "", err
	}
	sourceDigest := digestSource(payload)
	stagedPath := filepath.Join(s.root, backend)

	manifest := s.loadManifest()
	if record := manifest.Backends[backend]; record != nil && record.SourceDigest == sourceDigest {
		staged, readErr := os.ReadFile(stagedPath)
		if readErr == nil && digestStaged(staged) == record.StagedDigest {
			return stagedPath, nil
		}
		s.logger.Warn("staged translator does not match manifest, re-deriving",
			"backend", backend, "path", stagedPath)
	}

	patched, err := patchInterpreter(payload, s.hostLinker, sourcePath)
	if err != nil {
		return "", err
	}
	if err := writeExecutable(stagedPath, patched); err != nil {
		return "", setupErr("write staged translator", stagedPath, err)
	}

	manifest.Backends[backend] = &stagingRecord{
		SourceDigest: sourceDigest,
		StagedDigest: digestStaged(patched),
	}
	if err := s.saveManifest(manifest); err != nil {
		return "", err
	}
	s.logger.Info("staged translator",
		"backend", backend, "source", sourcePath, "digest", sourceDigest)
	return stagedPath, nil
}

// Remove deletes a backend's staged copy and manifest record. Used for
// the inactive backend so a 32-bit root never carries a stale 64-bit
// translator and vice versa. Removing an absent backend is a no-op.
func (s *Stager) Remove(backend string) error {
	stagedPath := filepath.Join(s.root, backend)
	if err := os.Remove(stagedPath); err != nil && !os.IsNotExist(err) {
		return setupErr("remove staged translator", stagedPath, err)
	}
	manifest := s.loadManifest()
	if _, ok := manifest.Backends[backend]; !ok {
		return nil
	}
	delete(manifest.Backends, backend)
	return s.saveManifest(manifest)
}

// loadManifest reads the root's manifest. A missing or unreadable
// manifest degrades to empty: every backend restages from source.
func (s *Stager) loadManifest() *stagingManifest {
	manifest := &stagingManifest{Backends: make(map[string]*stagingRecord)}
	data, err := os.ReadFile(filepath.Join(s.root, ManifestName))
	if err != nil {
		return manifest
	}
	if err := codec.Unmarshal(data, manifest); err != nil {
		s.logger.Warn("corrupt staging manifest, restaging from source", "error", err)
		return &stagingManifest{Backends: make(map[string]*stagingRecord)}
	}
	if manifest.Backends == nil {
		manifest.Backends = make(map[string]*stagingRecord)
	}
	return manifest
}

func (s *Stager) saveManifest(manifest *stagingManifest) error {
	data, err := codec.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encoding staging manifest: %w", err)
	}
	path := filepath.Join(s.root, ManifestName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return setupErr("write staging manifest", path, err)
	}
	return nil
}

// loadPayload reads a translator source, decompressing by extension:
// .zst and .lz4 payloads are shipped compressed, anything else is
// taken verbatim.
func loadPayload(sourcePath string) ([]byte, error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, setupErr("read translator source", sourcePath, err)
	}
	switch strings.ToLower(filepath.Ext(sourcePath)) {
	case ".zst":
		payload, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, setupErr("decompress translator source", sourcePath, err)
		}
		return payload, nil
	case ".lz4":
		payload, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, setupErr("decompress translator source", sourcePath, err)
		}
		return payload, nil
	default:
		return data, nil
	}
}

// writeExecutable writes data to path with mode 0755 via a temporary
// file and rename, so a crash mid-write never leaves a half-staged
// binary behind the manifest's back.
func writeExecutable(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
