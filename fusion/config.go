package fusion

import (
	"fmt"
	"time"
)

// Config holds the tunables for the fusion engine. Every field is
// deployment-specific; there are no safe defaults and Validate rejects
// zero values.
type Config struct {
	// WindowSize is the tolerance for treating detections from
	// independent sensor clocks as simultaneous. Frames advance by this
	// interval.
	WindowSize time.Duration `json:"window_size"`

	// MaxWait bounds how long a frame stays open waiting for a
	// straggling source before closing without it.
	MaxWait time.Duration `json:"max_wait"`

	// DistanceThresholdM is the maximum geodesic distance in meters for
	// two detections from different sources to be matching candidates
	// within one frame.
	DistanceThresholdM float64 `json:"distance_threshold_m"`

	// AssociationThresholdM is the maximum distance in meters between a
	// cluster centroid and an identity's last position for the cluster
	// to be associated with that identity. Should be >= DistanceThresholdM
	// since identities move between frames.
	AssociationThresholdM float64 `json:"association_threshold_m"`

	// MissThreshold is the number of consecutive unmatched frames after
	// which an identity transitions to lost and is purged.
	MissThreshold int `json:"miss_threshold"`

	// QueueCapacity bounds each per-source buffer. Overflow drops the
	// oldest entries.
	QueueCapacity int `json:"queue_capacity"`

	// ExclusiveClasses lists object classes that only cluster with
	// detections of the same class. Classes not listed here cluster on
	// distance alone. Optional.
	ExclusiveClasses []string `json:"exclusive_classes,omitempty"`
}

// Validate checks that all required tunables are set.
func (c Config) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive, got %v", c.WindowSize)
	}
	if c.MaxWait <= 0 {
		return fmt.Errorf("max_wait must be positive, got %v", c.MaxWait)
	}
	if c.DistanceThresholdM <= 0 {
		return fmt.Errorf("distance_threshold_m must be positive, got %v", c.DistanceThresholdM)
	}
	if c.AssociationThresholdM <= 0 {
		return fmt.Errorf("association_threshold_m must be positive, got %v", c.AssociationThresholdM)
	}
	if c.AssociationThresholdM < c.DistanceThresholdM {
		return fmt.Errorf("association_threshold_m (%v) must not be smaller than distance_threshold_m (%v)",
			c.AssociationThresholdM, c.DistanceThresholdM)
	}
	if c.MissThreshold <= 0 {
		return fmt.Errorf("miss_threshold must be positive, got %d", c.MissThreshold)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity)
	}
	return nil
}
