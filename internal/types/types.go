package types

import "time"

// PersonClass is the detector's class label for a human body.
const PersonClass = "person"

// UnknownName is the identity provider's sentinel for a face it saw but
// could not identify. Identities carrying it are never used as matches.
const UnknownName = "Unknown"

// Box is an axis-aligned bounding box in source-image pixel coordinates,
// top-left origin.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the box centroid.
func (b Box) Center() (cx, cy float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Area returns the pixel area of the box.
func (b Box) Area() float64 {
	return b.Width * b.Height
}

// Empty reports whether the box has no extent. Providers that lose a
// face between frames emit zero boxes; those are unusable for matching.
func (b Box) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// ContainsPoint reports whether (px, py) lies within the box.
func (b Box) ContainsPoint(px, py float64) bool {
	return px >= b.X && px <= b.X+b.Width && py >= b.Y && py <= b.Y+b.Height
}

// Intersects is the standard AABB overlap test.
func (b Box) Intersects(o Box) bool {
	return b.X < o.X+o.Width && o.X < b.X+b.Width &&
		b.Y < o.Y+o.Height && o.Y < b.Y+b.Height
}

// Clamp constrains the box to the given frame dimensions.
func (b *Box) Clamp(frameWidth, frameHeight float64) {
	if b.X < 0 {
		b.X = 0
	}
	if b.Y < 0 {
		b.Y = 0
	}
	if b.X+b.Width > frameWidth {
		b.Width = frameWidth - b.X
	}
	if b.Y+b.Height > frameHeight {
		b.Height = frameHeight - b.Y
	}
}

// Detection is one candidate object reported by the detection provider
// for a single frame. Created fresh each cycle, immutable.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// RecognizedIdentity is a currently visible, named face reported by the
// face-recognition provider, in the same pixel space as detections.
type RecognizedIdentity struct {
	Name   string `json:"name"`
	IsSelf bool   `json:"is_self"`
	Box    Box    `json:"box"`
}

// Unknown reports whether this identity carries the not-identified
// sentinel.
func (r RecognizedIdentity) Unknown() bool {
	return r.Name == UnknownName
}

// Frame is a single video frame snapshot handed to the engine.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the raw frame data (RGB24 by default)
	Data []byte
	// TraceID is a unique identifier carried through the cycle for
	// correlating logs and emitted descriptions
	TraceID string
}

// Ready reports whether the frame is usable for a detection pass.
func (f *Frame) Ready() bool {
	return f != nil && f.Width > 0 && f.Height > 0
}
