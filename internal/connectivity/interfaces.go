package connectivity

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sap-alerte/fieldsync/internal/events"
)

// InterfaceWatcher reports link changes by polling the host's network
// interfaces. Like a browser online flag it only says whether some
// non-loopback interface is up with a usable address.
type InterfaceWatcher struct {
	interval time.Duration
	logger   *events.Logger

	// linkUp is replaceable in tests.
	linkUp func() (bool, error)
}

// NewInterfaceWatcher creates a watcher polling every interval.
func NewInterfaceWatcher(interval time.Duration, logger *events.Logger) *InterfaceWatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &InterfaceWatcher{
		interval: interval,
		logger:   logger.WithField("component", "interface_watcher"),
		linkUp:   hostLinkUp,
	}
}

// Watch polls until ctx is done and calls fn whenever the link state
// differs from the previous poll. The first poll only sets the baseline.
func (w *InterfaceWatcher) Watch(ctx context.Context, fn func(online bool)) error {
	last, err := w.linkUp()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}

	w.logger.WithField("link_up", last).Debug("Watching network interfaces")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			up, err := w.linkUp()
			if err != nil {
				w.logger.WithError(err).Debug("Interface poll failed")
				continue
			}
			if up == last {
				continue
			}
			last = up
			w.logger.WithField("link_up", up).Info("Network link changed")
			fn(up)
		}
	}
}

func hostLinkUp() (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagRunning == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.IsLinkLocalUnicast() || ipNet.IP.IsLoopback() {
				continue
			}
			return true, nil
		}
	}

	return false, nil
}
