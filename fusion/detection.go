// Package fusion implements the geo-detection stream fusion engine: it
// consolidates per-sensor streams of geo-referenced object detections
// into a single deduplicated stream of merged objects.
//
// The engine is a sequential pipeline over time-aligned frames:
//
//	per-source SourceBuffer -> Aligner -> Matcher -> Tracker -> Resolver
//
// Ingestion is concurrent (one producer per source feeds its buffer);
// frame processing and all identity state live on a single goroutine
// owned by Pipeline.
package fusion

import (
	"fmt"

	"github.com/c360/geofuse/pkg/timestamp"
)

// Detection is one sensor's observation of one object at one instant.
// Immutable once buffered.
type Detection struct {
	// SourceID identifies the originating stream.
	SourceID string `json:"source_id"`

	// Timestamp is the capture time in Unix milliseconds, on the
	// producer's clock.
	Timestamp int64 `json:"timestamp"`

	Position Position `json:"position"`

	// Class is the semantic category, e.g. "person" or "vehicle".
	Class string `json:"object_class"`

	// Confidence is in [0, 1].
	Confidence float64 `json:"confidence"`

	// LocalTrackID is the sensor-local tracking identifier, stable only
	// within the originating stream.
	LocalTrackID string `json:"local_track_id"`
}

// Validate rejects malformed detections before they reach the frame
// pipeline.
func (d Detection) Validate() error {
	if d.SourceID == "" {
		return fmt.Errorf("detection missing source_id")
	}
	if d.Timestamp <= 0 {
		return fmt.Errorf("detection has invalid timestamp: %d", d.Timestamp)
	}
	if err := timestamp.Validate(d.Timestamp); err != nil {
		return fmt.Errorf("detection timestamp: %w", err)
	}
	if err := d.Position.Validate(); err != nil {
		return fmt.Errorf("detection position: %w", err)
	}
	if d.Class == "" {
		return fmt.Errorf("detection missing object_class")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("detection confidence out of range: %f", d.Confidence)
	}
	return nil
}

// Frame is a cross-source grouping of detections treated as simultaneous.
// A source may contribute zero, one, or several detections.
type Frame struct {
	// FrameTime is the window start in Unix milliseconds.
	FrameTime int64

	// Detections is ordered by timestamp, then source, then local track
	// id, so downstream processing is deterministic regardless of
	// arrival order.
	Detections []Detection
}

// Cluster is a set of detections within one frame judged to be the same
// physical object. Members come from distinct sources.
type Cluster struct {
	Members []Detection
}

// Centroid returns the unweighted mean position of the members. Used for
// cluster-to-identity association; the published position is fused
// separately by the Resolver.
func (c Cluster) Centroid() Position {
	if len(c.Members) == 0 {
		return Position{}
	}
	var lat, lon float64
	for _, m := range c.Members {
		lat += m.Position.Lat
		lon += m.Position.Lon
	}
	n := float64(len(c.Members))
	return Position{Lat: lat / n, Lon: lon / n}
}

// Sources returns the distinct source ids backing the cluster, in member
// order.
func (c Cluster) Sources() []string {
	seen := make(map[string]struct{}, len(c.Members))
	out := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if _, ok := seen[m.SourceID]; ok {
			continue
		}
		seen[m.SourceID] = struct{}{}
		out = append(out, m.SourceID)
	}
	return out
}
