package health

import (
	"context"
)

// CaptureState is the view of the capture task the capture check needs.
// *monitor.Service implements it.
type CaptureState interface {
	Running() bool
	Enabled() bool
	Err() error
}

// CaptureCheck is unhealthy when the capture task died with an error and
// degraded when it is simply not running.
func CaptureCheck(m CaptureState) CheckFunc {
	return func(ctx context.Context) Check {
		switch {
		case m.Running():
			return result(StatusHealthy, "capture running, logging %s", onOff(m.Enabled()))
		case m.Err() != nil:
			return result(StatusUnhealthy, "capture stopped: %v", m.Err())
		default:
			return result(StatusDegraded, "capture not running")
		}
	}
}

// StateStore is satisfied by *state.SQLiteStore.
type StateStore interface {
	ListBuckets() ([]string, error)
	CurrentVersion() uint64
}

// StoreCheck verifies the state database answers queries.
func StoreCheck(s StateStore) CheckFunc {
	return func(ctx context.Context) Check {
		buckets, err := s.ListBuckets()
		if err != nil {
			return result(StatusUnhealthy, "state store: %v", err)
		}
		return result(StatusHealthy, "%d buckets at version %d", len(buckets), s.CurrentVersion())
	}
}

// BlocklistCheck reports rule counts. It never fails; a blocklist that
// cannot reach the filter surfaces through the filter metrics instead.
func BlocklistCheck(stats func() (keys, installed int)) CheckFunc {
	return func(ctx context.Context) Check {
		keys, installed := stats()
		return result(StatusHealthy, "%d targets, %d drop rules", keys, installed)
	}
}

// InterfaceCheck verifies the capture interface exists and is up. detect
// returns the interface the next capture session would use.
func InterfaceCheck(detect func() (string, error)) CheckFunc {
	return func(ctx context.Context) Check {
		name, err := detect()
		if err != nil {
			return result(StatusDegraded, "no capture interface: %v", err)
		}
		up, err := linkUp(name)
		if err != nil {
			return result(StatusDegraded, "%s: %v", name, err)
		}
		if !up {
			return result(StatusDegraded, "%s is down", name)
		}
		return result(StatusHealthy, "%s is up", name)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
