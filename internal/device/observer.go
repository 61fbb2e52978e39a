package device

import (
	"sync"

	"github.com/shaunagostinho/envmon/internal/protocol"
)

// Observer receives controller events. Methods are called on the
// dispatcher goroutine and must not block on the controller, in particular
// they must not call Close.
type Observer interface {
	SensorUpdate(temperature, humidity float32)
	DeviceTimedOut()
	ConnectionFault(kind protocol.FaultKind, err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnSensorUpdate    func(temperature, humidity float32)
	OnDeviceTimedOut  func()
	OnConnectionFault func(kind protocol.FaultKind, err error)
}

func (f ObserverFuncs) SensorUpdate(temperature, humidity float32) {
	if f.OnSensorUpdate != nil {
		f.OnSensorUpdate(temperature, humidity)
	}
}

func (f ObserverFuncs) DeviceTimedOut() {
	if f.OnDeviceTimedOut != nil {
		f.OnDeviceTimedOut()
	}
}

func (f ObserverFuncs) ConnectionFault(kind protocol.FaultKind, err error) {
	if f.OnConnectionFault != nil {
		f.OnConnectionFault(kind, err)
	}
}

// ObserverID identifies a registration for RemoveObserver.
type ObserverID uint64

type observerList struct {
	mu     sync.RWMutex
	nextID ObserverID
	items  []observerEntry
}

type observerEntry struct {
	id  ObserverID
	obs Observer
}

func (l *observerList) add(o Observer) ObserverID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.items = append(l.items, observerEntry{id: l.nextID, obs: o})
	return l.nextID
}

func (l *observerList) remove(id ObserverID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.items {
		if e.id == id {
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot lets observers add or remove registrations from inside a callback.
func (l *observerList) snapshot() []Observer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Observer, len(l.items))
	for i, e := range l.items {
		out[i] = e.obs
	}
	return out
}

func (l *observerList) sensorUpdate(temperature, humidity float32) {
	for _, o := range l.snapshot() {
		o.SensorUpdate(temperature, humidity)
	}
}

func (l *observerList) deviceTimedOut() {
	for _, o := range l.snapshot() {
		o.DeviceTimedOut()
	}
}

func (l *observerList) connectionFault(kind protocol.FaultKind, err error) {
	for _, o := range l.snapshot() {
		o.ConnectionFault(kind, err)
	}
}
