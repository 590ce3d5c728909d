package monitor

import (
	"time"
)

// positionThreshold is the minimum per-component change (meters for TCP
// translation, radians for rotation and joints) that counts as movement in
// dynamic mode.
const positionThreshold = 0.001

// Gate decides which decoded samples become telemetry emissions.
//
// Pose emissions are rate-limited to one per 1000/pubRateHz ms, and in
// dynamic mode additionally suppressed until some component of the TCP pose
// or joint vector moves by more than the threshold. State emissions are
// never rate-limited; in dynamic mode they fire only when one of the three
// mode enums changes.
type Gate struct {
	pubRateHz uint32
	dynamic   bool

	lastTCP     [6]float64
	lastJoints  [6]float64
	havePose    bool
	lastPoseOut time.Time
	havePoseOut bool

	lastModes [3]int32
	haveModes bool
}

// NewGate creates a gate. pubRateHz must be positive.
func NewGate(pubRateHz uint32, dynamic bool) *Gate {
	return &Gate{pubRateHz: pubRateHz, dynamic: dynamic}
}

// ShouldEmitPosition reports whether a pose sample observed at now passes
// the rate and change gates, updating the gate state when it does.
func (g *Gate) ShouldEmitPosition(tcpPose, joints [6]float64, now time.Time) bool {
	if g.havePoseOut {
		minInterval := time.Second / time.Duration(g.pubRateHz)
		if now.Sub(g.lastPoseOut) < minInterval {
			return false
		}
	}

	if g.dynamic && g.havePose {
		if !vecChanged(g.lastTCP, tcpPose) && !vecChanged(g.lastJoints, joints) {
			return false
		}
	}

	g.lastTCP = tcpPose
	g.lastJoints = joints
	g.havePose = true
	g.lastPoseOut = now
	g.havePoseOut = true
	return true
}

// ShouldEmitState reports whether a state sample passes the change gate.
// Non-dynamic mode emits every sample.
func (g *Gate) ShouldEmitState(robotMode, safetyMode, runtimeState int32) bool {
	modes := [3]int32{robotMode, safetyMode, runtimeState}

	if g.dynamic && g.haveModes && modes == g.lastModes {
		return false
	}

	g.lastModes = modes
	g.haveModes = true
	return true
}

func vecChanged(old, new [6]float64) bool {
	for i := range old {
		d := old[i] - new[i]
		if d > positionThreshold || d < -positionThreshold {
			return true
		}
	}
	return false
}
