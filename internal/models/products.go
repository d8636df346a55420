package models

// Product identifies one catalog entry returned by a provider search.
// Name is the filename the download will be stored under; providers fill
// in a fallback when the catalog does not supply one.
type Product struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}
