package reconcile

import (
	"time"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

// Vehicle is the render state of one remote player.
type Vehicle struct {
	prev, target Pose
	vel          Velocity
	since        time.Duration
	seen         bool
}

// Push records a new snapshot. The current target becomes the previous one.
func (v *Vehicle) Push(st types.PlayerState) {
	next := Pose{X: st.X, Y: st.Y, Rotation: st.Rotation}
	if v.seen {
		v.prev = v.target
	} else {
		v.prev = next
		v.seen = true
	}
	v.target = next
	v.vel = Velocity{X: st.VelocityX, Y: st.VelocityY, Angular: st.AngularVelocity}
	v.since = 0
}

// Advance moves the clock by dt and returns the pose to display.
func (v *Vehicle) Advance(dt time.Duration) Pose {
	v.since = min(v.since+dt, MaxExtrapolation)
	return v.Pose()
}

func (v *Vehicle) Pose() Pose {
	return Evaluate(v.prev, v.target, v.vel, v.since)
}

func (v *Vehicle) SinceSnapshot() time.Duration { return v.since }
