// Package collision separates overlapping vehicles in one room's snapshot set.
// Every vehicle is a circle of the same radius.
package collision

import (
	"math"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

type Config struct {
	Radius    float64 // world units
	Damping   float64 // velocity multiplier applied to both vehicles of a contact
	PushScale float64 // share of the penetration depth each vehicle moves
}

func DefaultConfig() Config {
	return Config{Radius: 0.19, Damping: 0.3, PushScale: 0.5}
}

// coincident pairs have no usable separation axis.
const minSeparation = 1e-4

// Resolve corrects states in place, pair by pair in slice order, and returns
// the number of contacts it handled. A pair closer than 2*Radius has both
// velocities scaled by Damping and is pushed apart along the line between
// the two centers until it sits exactly 2*Radius apart.
func Resolve(states []types.PlayerState, cfg Config) int {
	minDist := cfg.Radius * 2
	minDistSq := minDist * minDist

	contacts := 0
	for i := 0; i < len(states); i++ {
		for j := i + 1; j < len(states); j++ {
			a, b := &states[i], &states[j]
			dx := a.X - b.X
			dy := a.Y - b.Y
			distSq := dx*dx + dy*dy
			if distSq >= minDistSq {
				continue
			}
			contacts++

			a.VelocityX *= cfg.Damping
			a.VelocityY *= cfg.Damping
			b.VelocityX *= cfg.Damping
			b.VelocityY *= cfg.Damping

			dist := math.Sqrt(distSq)
			if dist <= minSeparation {
				continue
			}
			nx, ny := dx/dist, dy/dist
			move := (minDist - dist) * cfg.PushScale
			a.X += nx * move
			a.Y += ny * move
			b.X -= nx * move
			b.Y -= ny * move
		}
	}
	return contacts
}
