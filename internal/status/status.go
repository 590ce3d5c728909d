// Package status holds the latest decoded robot state snapshot and the
// numeric-to-name mappings for the three RTDE state enums.
//
// The cache is single-writer (the RTDE monitor task) and many-reader
// (queries, telemetry, health checks). Readers always obtain a consistent
// snapshot — the whole struct is copied under one lock, so a reader can
// never observe a pose from one sample paired with modes from another.
package status

import (
	"fmt"
	"sync"
)

// RobotStatus is the latest decoded state snapshot from RTDE monitoring.
type RobotStatus struct {
	RobotMode        int32      `json:"robot_mode"`
	RobotModeName    string     `json:"robot_mode_name"`
	SafetyMode       int32      `json:"safety_mode"`
	SafetyModeName   string     `json:"safety_mode_name"`
	RuntimeState     int32      `json:"runtime_state"`
	RuntimeStateName string     `json:"runtime_state_name"`
	TCPPose          [6]float64 `json:"tcp_pose"`
	JointPositions   [6]float64 `json:"joint_positions"`
	// LastUpdated is the wall-clock time (Unix seconds) the sample carrying
	// this snapshot was received.
	LastUpdated float64 `json:"last_updated"`
}

// Unknown returns the snapshot used before the first RTDE sample arrives and
// after a reset: all modes -1/Unknown, poses zeroed.
func Unknown() RobotStatus {
	return RobotStatus{
		RobotMode:        -1,
		RobotModeName:    "Unknown",
		SafetyMode:       -1,
		SafetyModeName:   "Unknown",
		RuntimeState:     -1,
		RuntimeStateName: "Unknown",
	}
}

// Cache is the shared snapshot holder. The zero value is not usable; use
// NewCache.
type Cache struct {
	mu  sync.RWMutex
	cur RobotStatus
}

// NewCache returns a cache primed with the Unknown snapshot.
func NewCache() *Cache {
	return &Cache{cur: Unknown()}
}

// Set replaces the snapshot. Called only by the monitor task.
func (c *Cache) Set(s RobotStatus) {
	c.mu.Lock()
	c.cur = s
	c.mu.Unlock()
}

// Get returns a copy of the current snapshot.
func (c *Cache) Get() RobotStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// Reset restores the Unknown snapshot. Called on reconnect.
func (c *Cache) Reset() {
	c.Set(Unknown())
}

var robotModeNames = map[int32]string{
	-1: "NO_CONTROLLER",
	0:  "DISCONNECTED",
	1:  "CONFIRM_SAFETY",
	2:  "BOOTING",
	3:  "POWER_OFF",
	4:  "POWER_ON",
	5:  "IDLE",
	6:  "BACKDRIVE",
	7:  "RUNNING",
	8:  "UPDATING_FIRMWARE",
}

var safetyModeNames = map[int32]string{
	1:  "NORMAL",
	2:  "REDUCED",
	3:  "PROTECTIVE_STOP",
	4:  "RECOVERY",
	5:  "SAFEGUARD_STOP",
	6:  "SYSTEM_EMERGENCY_STOP",
	7:  "ROBOT_EMERGENCY_STOP",
	8:  "EMERGENCY_STOP",
	9:  "VIOLATION",
	10: "FAULT",
	11: "STOPPED_DUE_TO_SAFETY",
}

var runtimeStateNames = map[int32]string{
	0: "STOPPING",
	1: "STOPPED",
	2: "PLAYING",
	3: "PAUSING",
	4: "PAUSED",
	5: "RESUMING",
}

func lookup(names map[int32]string, v int32) string {
	if name, ok := names[v]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", v)
}

// RobotModeName maps an RTDE robot_mode value to its controller name.
func RobotModeName(mode int32) string { return lookup(robotModeNames, mode) }

// SafetyModeName maps an RTDE safety_mode value to its controller name.
func SafetyModeName(mode int32) string { return lookup(safetyModeNames, mode) }

// RuntimeStateName maps an RTDE runtime_state value to its controller name.
func RuntimeStateName(state int32) string { return lookup(runtimeStateNames, state) }

// FromSample builds a snapshot from decoded RTDE values, filling in the
// derived name fields.
func FromSample(robotMode, safetyMode, runtimeState int32, tcpPose, joints [6]float64, lastUpdated float64) RobotStatus {
	return RobotStatus{
		RobotMode:        robotMode,
		RobotModeName:    RobotModeName(robotMode),
		SafetyMode:       safetyMode,
		SafetyModeName:   SafetyModeName(safetyMode),
		RuntimeState:     runtimeState,
		RuntimeStateName: RuntimeStateName(runtimeState),
		TCPPose:          tcpPose,
		JointPositions:   joints,
		LastUpdated:      lastUpdated,
	}
}
