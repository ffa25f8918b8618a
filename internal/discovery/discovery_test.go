package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/events"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/logging"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/models"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/syncerrors"
)

func newTestService() (*Service, *events.Bus) {
	bus := events.NewBus()
	s := NewService(logging.NewLogger("development"), bus, "test-server", 8475, "1.0", "tasks,inventory")
	return s, bus
}

func entry(instance, ip string, port int, txt ...string) *zeroconf.ServiceEntry {
	e := &zeroconf.ServiceEntry{Port: port, Text: txt}
	e.Instance = instance
	if ip != "" {
		e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	}
	return e
}

// --- classification ---

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		txt  []string
		want models.DeviceType
	}{
		{"Warehouse-Tablet-3", nil, models.DeviceTablet},
		{"pixel", []string{"os=android"}, models.DeviceTablet},
		{"Zebra-Scanner-1", nil, models.DeviceScanner},
		{"warehouse-station", nil, models.DeviceWarehouse},
		{"random-printer", nil, models.DeviceUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.name, tt.txt), tt.name)
	}
}

// --- stable IDs ---

func TestDeviceID_Stable(t *testing.T) {
	a := deviceID("tablet-1", "192.168.1.10", 9000)
	b := deviceID("tablet-1", "192.168.1.10", 9000)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestDeviceID_DistinguishesIdentity(t *testing.T) {
	base := deviceID("tablet-1", "192.168.1.10", 9000)
	assert.NotEqual(t, base, deviceID("tablet-2", "192.168.1.10", 9000))
	assert.NotEqual(t, base, deviceID("tablet-1", "192.168.1.11", 9000))
	assert.NotEqual(t, base, deviceID("tablet-1", "192.168.1.10", 9001))
}

// --- address selection ---

func TestPickAddress_PrefersIPv4(t *testing.T) {
	e := entry("tablet-1", "192.168.1.10", 9000)
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	assert.Equal(t, "192.168.1.10", pickAddress(e))
}

func TestPickAddress_SkipsLoopback(t *testing.T) {
	e := entry("tablet-1", "127.0.0.1", 9000)
	assert.Empty(t, pickAddress(e))

	e.AddrIPv4 = append(e.AddrIPv4, net.ParseIP("10.0.0.5"))
	assert.Equal(t, "10.0.0.5", pickAddress(e))
}

// --- observe ---

func TestObserve_PublishesDiscoveredOnce(t *testing.T) {
	s, bus := newTestService()
	discovered := bus.Subscribe(events.TopicDeviceDiscovered)
	defer discovered.Close()
	updated := bus.Subscribe(events.TopicDeviceUpdated)
	defer updated.Close()

	e := entry("Warehouse-Tablet-3", "192.168.1.10", 9000, "v=1")
	s.observe("_tablet-sync._tcp", e)

	evt := <-discovered.C
	device := evt.Payload.(models.DiscoveredDevice)
	assert.Equal(t, "Warehouse-Tablet-3", device.Name)
	assert.Equal(t, models.DeviceTablet, device.Type)
	assert.Equal(t, "192.168.1.10", device.Address)
	assert.Equal(t, 9000, device.Port)

	// A repeat advertisement updates, not re-discovers.
	s.observe("_tablet-sync._tcp", e)

	select {
	case <-discovered.C:
		t.Fatal("same device discovered twice")
	default:
	}
	<-updated.C
}

func TestObserve_IgnoresLoopbackOnly(t *testing.T) {
	s, bus := newTestService()
	sub := bus.Subscribe(events.TopicDeviceDiscovered)
	defer sub.Close()

	s.observe("_tablet-sync._tcp", entry("tablet-1", "127.0.0.1", 9000))

	assert.Empty(t, s.Devices())
}

func TestObserve_FiltersUnrecognizedHTTP(t *testing.T) {
	s, _ := newTestService()

	s.observe("_http._tcp", entry("office-printer", "192.168.1.20", 80))
	assert.Empty(t, s.Devices(), "generic _http._tcp services are ignored")

	s.observe("_http._tcp", entry("warehouse-kiosk", "192.168.1.21", 80))
	assert.Len(t, s.Devices(), 1, "warehouse-looking _http._tcp services are kept")
}

// --- eviction ---

func TestSweep_EvictsSilentDevicesOnce(t *testing.T) {
	s, bus := newTestService()
	sub := bus.Subscribe(events.TopicDeviceLost)
	defer sub.Close()

	s.observe("_tablet-sync._tcp", entry("tablet-1", "192.168.1.10", 9000))
	require.Len(t, s.Devices(), 1)

	s.mu.Lock()
	for _, d := range s.devices {
		d.LastSeen = time.Now().Add(-6 * time.Minute)
	}
	s.mu.Unlock()

	s.sweep()
	assert.Empty(t, s.Devices())

	evt := <-sub.C
	lost := evt.Payload.(models.DiscoveredDevice)
	assert.Equal(t, "tablet-1", lost.Name)

	// A second sweep finds nothing to evict.
	s.sweep()
	select {
	case <-sub.C:
		t.Fatal("device_lost fired twice for one eviction")
	default:
	}
}

func TestSweep_KeepsFreshDevices(t *testing.T) {
	s, _ := newTestService()
	s.observe("_scanner._tcp", entry("scanner-1", "192.168.1.11", 9000))

	s.sweep()
	assert.Len(t, s.Devices(), 1)
}

// --- probing ---

func TestPingDevice_ReachableAndNot(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	s, _ := newTestService()
	s.mu.Lock()
	s.devices["up"] = &models.DiscoveredDevice{ID: "up", Address: "127.0.0.1", Port: addr.Port, LastSeen: time.Now().Add(-time.Minute)}
	s.devices["down"] = &models.DiscoveredDevice{ID: "down", Address: "127.0.0.1", Port: 1, LastSeen: time.Now()}
	s.mu.Unlock()

	assert.True(t, s.PingDevice("up"))
	assert.False(t, s.PingDevice("down"))
	assert.False(t, s.PingDevice("missing"))

	// A successful probe refreshes the device.
	d, ok := s.Device("up")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), d.LastSeen, time.Second)
}

// --- lifecycle ---

func TestRefreshDiscovery_NotRunning(t *testing.T) {
	s, _ := newTestService()
	err := s.RefreshDiscovery(t.Context())
	assert.ErrorIs(t, err, syncerrors.ErrServiceNotRunning)
}

func TestStop_BeforeStart(t *testing.T) {
	s, _ := newTestService()
	s.Stop() // no-op, must not panic
	s.Stop()
}

func TestStatistics(t *testing.T) {
	s, _ := newTestService()
	s.observe("_tablet-sync._tcp", entry("tablet-1", "192.168.1.10", 9000))
	s.observe("_scanner._tcp", entry("scanner-1", "192.168.1.11", 9000))

	stats := s.Statistics()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByType[models.DeviceTablet])
	assert.Equal(t, 1, stats.ByType[models.DeviceScanner])
	assert.Equal(t, 2, stats.ByStatus["reachable"])
}
