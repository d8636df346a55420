// Package interfaces defines service contracts for Nimbus
package interfaces

import (
	"context"

	"github.com/bobmcallan/nimbus/internal/geometry"
	"github.com/bobmcallan/nimbus/internal/models"
)

// ProgressFunc receives incremental download progress. delta is the bytes
// transferred since the last call for this file, downloaded the cumulative
// bytes for the file, and total the expected file size or -1 when the
// server did not declare one. Implementations must be safe for concurrent
// calls from multiple files.
type ProgressFunc func(file string, delta, downloaded, total int64)

// Provider is a satellite imagery catalog and download backend.
type Provider interface {
	// Name returns the provider's registry tag (lowercase).
	Name() string

	// Search queries the catalog for products matching the request inside
	// the area of interest.
	Search(ctx context.Context, req *models.JobRequest, aoi *geometry.Geometry) ([]*models.Product, error)

	// Download fetches the given products of a collection into destDir and
	// returns the absolute paths written. Products may carry only an ID;
	// the provider resolves missing names. cancelled is polled between
	// chunks, and a true return aborts the transfer with
	// models.ErrCancelled. A partial failure returns the successful paths
	// and no error; when every product fails the error describes the
	// whole batch.
	Download(ctx context.Context, collection string, products []*models.Product, destDir string, progress ProgressFunc, cancelled func() bool) ([]string, error)
}
