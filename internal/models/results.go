package models

// ManifestEntry is the document written as manifest.json next to a job's
// downloaded files. CreatedAt is an ISO-8601 UTC timestamp string so the
// on-disk form is stable across backends.
type ManifestEntry struct {
	JobID      string            `json:"job_id"`
	Provider   string            `json:"provider"`
	Collection string            `json:"collection"`
	CreatedAt  string            `json:"created_at"`
	Paths      []string          `json:"paths"`
	Checksums  map[string]string `json:"checksums"`
	Metadata   map[string]any    `json:"metadata"`
}

// JobResult records the outcome of a succeeded job: absolute paths of the
// downloaded files, their SHA-256 checksums, and run metadata. The manifest
// file itself is included in Paths and Checksums.
type JobResult struct {
	JobID         string            `json:"job_id"`
	Paths         []string          `json:"paths"`
	Checksums     map[string]string `json:"checksums"`
	Metadata      map[string]any    `json:"metadata"`
	ManifestEntry *ManifestEntry    `json:"manifest_entry,omitempty"`
}
