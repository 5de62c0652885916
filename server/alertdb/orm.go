package alertdb

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey"`
}

// Alert is a single event reported by a camera's detection pipeline.
// Every field except ID is supplied by the producer, and any of them may be null.
// Alerts are never updated or deleted once stored.
type Alert struct {
	BaseModel
	CameraID  *int32
	Timestamp *string // ISO-8601, stored verbatim
	EventType *string // eg "person", "vehicle"
	Details   *string
	ClipPath  *string // Path of the recorded video clip, if any
}
