// Package reconcile turns the 20 Hz snapshot stream of a remote vehicle into
// a continuous pose for rendering.
//
// For the first SnapshotInterval after a snapshot arrives the pose eases from
// the previous target to the new one. After that it extrapolates along the
// snapshot's velocity with a confidence that decays from 1 to 0.5, and from
// MaxExtrapolation on it holds still until the next snapshot.
package reconcile

import (
	"math"
	"time"
)

const (
	SnapshotInterval = 33 * time.Millisecond
	MaxExtrapolation = 150 * time.Millisecond

	minConfidence = 0.5
)

type Pose struct {
	X, Y     float64
	Rotation float64 // radians
}

type Velocity struct {
	X, Y    float64
	Angular float64 // radians per second
}

// Evaluate returns the displayed pose since the latest snapshot arrived.
// It is a pure function of its inputs.
func Evaluate(prev, target Pose, vel Velocity, since time.Duration) Pose {
	if since < 0 {
		since = 0
	}
	if since < SnapshotInterval {
		t := float64(since) / float64(SnapshotInterval)
		e := t * t * (3 - 2*t)
		return Pose{
			X:        lerp(prev.X, target.X, e),
			Y:        lerp(prev.Y, target.Y, e),
			Rotation: lerpAngle(prev.Rotation, target.Rotation, e),
		}
	}

	since = min(since, MaxExtrapolation)
	elapsed := since - SnapshotInterval
	window := MaxExtrapolation - SnapshotInterval
	confidence := 1 - (float64(elapsed)/float64(window))*(1-minConfidence)
	dt := elapsed.Seconds() * confidence

	return Pose{
		X:        target.X + vel.X*dt,
		Y:        target.Y + vel.Y*dt,
		Rotation: target.Rotation + vel.Angular*dt,
	}
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// lerpAngle turns through the shorter arc.
func lerpAngle(a, b, t float64) float64 {
	d := math.Remainder(b-a, 2*math.Pi)
	return a + d*t
}
