package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// collectionRe bounds collection and product type identifiers. Slashes are
// allowed because some catalogs namespace collections.
var collectionRe = regexp.MustCompile(`^[A-Za-z0-9._\-/]{1,120}$`)

// DateLayout is the wire format for request date bounds.
const DateLayout = "2006-01-02"

// AOI is an area of interest, given as exactly one of a WKT string or a
// GeoJSON geometry document.
type AOI struct {
	WKT     string          `json:"wkt,omitempty"`
	GeoJSON json.RawMessage `json:"geojson,omitempty"`
}

// IsZero reports whether neither representation is present.
func (a *AOI) IsZero() bool {
	return a == nil || (a.WKT == "" && len(a.GeoJSON) == 0)
}

// JobRequest is the tagged request union. JobType selects the variant and
// Validate enforces the fields that variant requires.
type JobRequest struct {
	JobType     string   `json:"job_type"`
	Provider    string   `json:"provider"`
	Collection  string   `json:"collection"`
	ProductType string   `json:"product_type,omitempty"`
	StartDate   string   `json:"start_date,omitempty"`
	EndDate     string   `json:"end_date,omitempty"`
	AOI         *AOI     `json:"aoi,omitempty"`
	TileID      string   `json:"tile_id,omitempty"`
	ProductIDs  []string `json:"product_ids,omitempty"`
	OutputDir   string   `json:"output_dir,omitempty"`
}

// Validate checks the request against its variant's rules. It returns a
// *ValidationError describing the first violation found.
func (r *JobRequest) Validate() error {
	if strings.TrimSpace(r.Provider) == "" {
		return NewValidationError("provider", "must not be empty")
	}
	if !collectionRe.MatchString(r.Collection) {
		return NewValidationError("collection", "must match [A-Za-z0-9._-/], max 120 chars")
	}
	if err := validateOutputDir(r.OutputDir); err != nil {
		return err
	}

	switch r.JobType {
	case JobTypeSearchDownload:
		return r.validateSearchDownload()
	case JobTypeDownloadProducts:
		return r.validateDownloadProducts()
	default:
		return NewValidationError("job_type", fmt.Sprintf("unknown job type %q", r.JobType))
	}
}

func (r *JobRequest) validateSearchDownload() error {
	if r.ProductType != "" && !collectionRe.MatchString(r.ProductType) {
		return NewValidationError("product_type", "must match [A-Za-z0-9._-/], max 120 chars")
	}
	start, err := time.Parse(DateLayout, r.StartDate)
	if err != nil {
		return NewValidationError("start_date", "must be a YYYY-MM-DD date")
	}
	end, err := time.Parse(DateLayout, r.EndDate)
	if err != nil {
		return NewValidationError("end_date", "must be a YYYY-MM-DD date")
	}
	if end.Before(start) {
		return NewValidationError("end_date", "must not be before start_date")
	}
	if r.AOI.IsZero() {
		return NewValidationError("aoi", "is required for search_download jobs")
	}
	if r.AOI.WKT != "" && len(r.AOI.GeoJSON) > 0 {
		return NewValidationError("aoi", "must set exactly one of wkt or geojson")
	}
	return nil
}

func (r *JobRequest) validateDownloadProducts() error {
	if len(r.ProductIDs) == 0 {
		return NewValidationError("product_ids", "must contain at least one product id")
	}
	for i, id := range r.ProductIDs {
		if strings.TrimSpace(id) == "" {
			return NewValidationError("product_ids", fmt.Sprintf("entry %d is empty", i))
		}
	}
	return nil
}

// Normalize trims whitespace from free-form identifier fields. It is applied
// once at submit time, before the request is persisted.
func (r *JobRequest) Normalize() {
	r.Provider = strings.ToLower(strings.TrimSpace(r.Provider))
	r.Collection = strings.TrimSpace(r.Collection)
	r.ProductType = strings.TrimSpace(r.ProductType)
	r.TileID = strings.TrimSpace(r.TileID)
	for i, id := range r.ProductIDs {
		r.ProductIDs[i] = strings.TrimSpace(id)
	}
}

func validateOutputDir(dir string) error {
	if dir == "" {
		return nil
	}
	if strings.HasPrefix(dir, "/") || strings.HasPrefix(dir, `\`) || hasDriveLetter(dir) {
		return NewValidationError("output_dir", "must be a relative path")
	}
	for _, part := range strings.FieldsFunc(dir, func(c rune) bool { return c == '/' || c == '\\' }) {
		if part == ".." {
			return NewValidationError("output_dir", "must not contain '..' segments")
		}
	}
	return nil
}

func hasDriveLetter(dir string) bool {
	if len(dir) < 2 || dir[1] != ':' {
		return false
	}
	c := dir[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
