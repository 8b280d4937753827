// Package events carries camera, zone and location state to subscribers over an embedded NATS bus
package events

import (
	"github.com/Spatial-NVR/SpatialCount/internal/roi"
)

// Subjects published on the bus
const (
	SubjectCameraStatus   = "counter.camera.status"
	SubjectZoneStatus     = "counter.zone.status"
	SubjectLocationStatus = "counter.location.status"

	// SubjectAll matches every counter subject
	SubjectAll = "counter.>"
)

// CameraStatus is pushed for every processed frame and on every status change
type CameraStatus struct {
	CameraID          int64       `json:"cameraId"`
	Name              string      `json:"name"`
	Status            string      `json:"status"`
	FrameDataURI      string      `json:"frameDataUri,omitempty"`
	TotalTrackedCount int         `json:"totalTrackedCount"`
	Roi               roi.Polygon `json:"roi"`
	Message           string      `json:"message,omitempty"`
}

// CountStatus is pushed when a zone or location total changes
type CountStatus struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	TotalTrackedCount int    `json:"totalTrackedCount"`
}

// Snapshot is the full current state of every entity kind
type Snapshot struct {
	Cameras   []CameraStatus `json:"cameras"`
	Zones     []CountStatus  `json:"zones"`
	Locations []CountStatus  `json:"locations"`
}
