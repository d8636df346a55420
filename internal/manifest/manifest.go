// Package manifest computes download checksums and writes the per-job
// manifest.json record.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bobmcallan/nimbus/internal/models"
)

// FileName is the manifest file written into each job's output directory.
const FileName = "manifest.json"

const checksumBufSize = 1 << 20

// ChecksumFile returns the hex SHA-256 digest of a file, streamed in 1MiB
// reads so large archives never load into memory.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for checksum: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, checksumBufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumFiles digests every path and returns a path-to-digest map.
func ChecksumFiles(paths []string) (map[string]string, error) {
	checksums := make(map[string]string, len(paths))
	for _, p := range paths {
		digest, err := ChecksumFile(p)
		if err != nil {
			return nil, err
		}
		checksums[p] = digest
	}
	return checksums, nil
}

// NewEntry assembles the manifest record for a finished job.
func NewEntry(job *models.Job, files []string, checksums map[string]string, metadata map[string]any) *models.ManifestEntry {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &models.ManifestEntry{
		JobID:      job.ID,
		Provider:   job.Provider,
		Collection: job.Collection,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		Paths:      files,
		Checksums:  checksums,
		Metadata:   metadata,
	}
}

// Write serializes the entry as indented JSON into dir and returns the
// manifest's own path and SHA-256 digest. The write goes through a temp
// file and rename so a crash never leaves a half-written manifest.
func Write(dir string, entry *models.ManifestEntry) (string, string, error) {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, FileName+".tmp-*")
	if err != nil {
		return "", "", fmt.Errorf("failed to create manifest temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", "", fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("failed to close manifest temp file: %w", err)
	}

	dest := filepath.Join(dir, FileName)
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("failed to move manifest into place: %w", err)
	}

	sum := sha256.Sum256(data)
	return dest, hex.EncodeToString(sum[:]), nil
}
