package types

import (
	"fmt"
	"time"
)

// Role identifies which side of a connection a process plays. Each role may
// carry its own TLS material.
type Role string

const (
	RoleScheduler Role = "scheduler"
	RoleWorker    Role = "worker"
	RoleClient    Role = "client"
)

// Roles lists every known role in a stable order.
var Roles = []Role{RoleScheduler, RoleWorker, RoleClient}

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleScheduler, RoleWorker, RoleClient:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: %w: %q (expected scheduler, worker or client)", ErrConfiguration, ErrInvalidRole, s)
}

// WorkerStatus is the lifecycle state of a supervised worker process
type WorkerStatus string

const (
	WorkerStatusInit       WorkerStatus = "init"
	WorkerStatusStarting   WorkerStatus = "starting"
	WorkerStatusRunning    WorkerStatus = "running"
	WorkerStatusRestarting WorkerStatus = "restarting"
	WorkerStatusStopped    WorkerStatus = "stopped"
	WorkerStatusClosing    WorkerStatus = "closing"
	WorkerStatusClosed     WorkerStatus = "closed"
	WorkerStatusFailed     WorkerStatus = "failed"
)

// Terminal reports whether no further transitions are possible
func (s WorkerStatus) Terminal() bool {
	return s == WorkerStatusClosed || s == WorkerStatusFailed
}

// WorkerInfo is the registration handshake a worker sends to the scheduler
type WorkerInfo struct {
	Address        string             `json:"address"`
	Name           string             `json:"name,omitempty"`
	NThreads       int                `json:"nthreads"`
	Resources      map[string]float64 `json:"resources,omitempty"`
	MemoryLimit    int64              `json:"memory_limit,omitempty"`
	NannyAddress   string             `json:"nanny,omitempty"`
	LocalDirectory string             `json:"local_directory,omitempty"`
	PID            int                `json:"pid,omitempty"`
	Services       map[string]string  `json:"services,omitempty"`
	LastSeen       time.Time          `json:"last_seen,omitempty"`
}

// Identity is the reply to the identity RPC every server answers
type Identity struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Address string `json:"address,omitempty"`
}
