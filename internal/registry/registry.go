// Package registry tracks which devices hold a live session. A device id
// (forwarder or receiver) may hold at most one session at a time, and
// server-initiated commands reach a device through its registry entry.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateSession is returned when a device id is already attached.
	ErrDuplicateSession = errors.New("registry: device already has a live session")
	// ErrDeviceOffline is returned when a command targets a device with no
	// live session.
	ErrDeviceOffline = errors.New("registry: device offline")
)

// Command is a server-initiated instruction delivered to a device's session
// goroutine.
type Command struct {
	// Kind names the instruction, e.g. "epoch_reset".
	Kind string
	// ReaderKey scopes stream-level commands to one reader.
	ReaderKey string
	// Reply receives the outcome once the session has handled the command.
	// Buffered by the sender; the session writes exactly once.
	Reply chan error
}

type entry struct {
	sessionID string
	commands  chan Command
}

type Registry struct {
	mu      sync.Mutex
	devices map[string]*entry
}

func New() *Registry {
	return &Registry{devices: make(map[string]*entry)}
}

// Register claims a device id for a session. The check and the claim are a
// single step under the lock, so two racing connections for the same id
// cannot both win. The returned channel carries commands for the session to
// execute; it is closed by Unregister.
func (r *Registry) Register(deviceID, sessionID string) (<-chan Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[deviceID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, deviceID)
	}
	e := &entry{sessionID: sessionID, commands: make(chan Command, 8)}
	r.devices[deviceID] = e
	return e.commands, nil
}

// Unregister releases a device id. Only the owning session's id releases the
// claim; a stale unregister from a superseded connection is a no-op.
func (r *Registry) Unregister(deviceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok || e.sessionID != sessionID {
		return
	}
	delete(r.devices, deviceID)
	close(e.commands)
}

// Online reports whether a device currently holds a session.
func (r *Registry) Online(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices[deviceID]
	return ok
}

// OnlineDevices returns the ids of all attached devices.
func (r *Registry) OnlineDevices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.devices))
	for id := range r.devices {
		out = append(out, id)
	}
	return out
}

// Send delivers a command to a device's session. It fails with
// ErrDeviceOffline when the device has no session, and with a full-queue
// error rather than blocking when the session is not draining commands.
// The enqueue happens under the registry lock: Unregister closes the
// channel under the same lock, so a send can never hit a closed channel.
func (r *Registry) Send(deviceID string, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceOffline, deviceID)
	}
	select {
	case e.commands <- cmd:
		return nil
	default:
		return fmt.Errorf("registry: command queue full for %s", deviceID)
	}
}
