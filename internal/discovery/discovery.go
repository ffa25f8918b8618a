// Package discovery advertises this server over mDNS and keeps a live
// registry of warehouse devices seen on the local network.
package discovery

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/events"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/models"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/syncerrors"
)

const (
	sweepInterval    = 2 * time.Minute
	evictAfter       = 5 * time.Minute
	pingTimeout      = 5 * time.Second
	browseInterval   = 30 * time.Second
	advertiseService = "_warehouse-sync._tcp"
)

// browsedServices are the mDNS service types scanned for devices.
// _http._tcp hits are kept only when their instance name looks like a
// warehouse device.
var browsedServices = []string{
	"_warehouse-sync._tcp",
	"_tablet-sync._tcp",
	"_scanner._tcp",
	"_http._tcp",
}

// Statistics summarizes the device registry.
type Statistics struct {
	Total    int                       `json:"total"`
	ByType   map[models.DeviceType]int `json:"byType"`
	ByStatus map[string]int            `json:"byStatus"`
}

// Service advertises the sync server and browses for devices.
type Service struct {
	logger       *slog.Logger
	bus          *events.Bus
	serviceName  string
	port         int
	version      string
	capabilities string

	mu      sync.Mutex
	devices map[string]*models.DiscoveredDevice
	server  *zeroconf.Server
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService creates a stopped discovery service.
func NewService(logger *slog.Logger, bus *events.Bus, serviceName string, port int, version, capabilities string) *Service {
	return &Service{
		logger:       logger,
		bus:          bus,
		serviceName:  serviceName,
		port:         port,
		version:      version,
		capabilities: capabilities,
		devices:      make(map[string]*models.DiscoveredDevice),
	}
}

// Start registers the mDNS advertisement and begins browsing. Calling
// Start on a running service is a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	server, err := zeroconf.Register(
		s.serviceName,
		advertiseService,
		"local.",
		s.port,
		[]string{
			"version=" + s.version,
			"capabilities=" + s.capabilities,
			"serverType=warehouse-management",
			"protocol=ws",
		},
		nil,
	)
	if err != nil {
		return fmt.Errorf("registering mdns service: %w", err)
	}

	s.server = server
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop(s.stopCh)

	s.logger.Info("discovery started",
		slog.String("service", s.serviceName),
		slog.Int("port", s.port),
	)
	return nil
}

// Stop shuts down advertising and browsing. Safe to call repeatedly.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("discovery stopped")
}

// RefreshDiscovery triggers an immediate browse pass across all
// service types.
func (s *Service) RefreshDiscovery(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return syncerrors.ErrServiceNotRunning
	}
	s.browseAll(ctx)
	return nil
}

// Devices returns copies of all known devices.
func (s *Service) Devices() []models.DiscoveredDevice {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make([]models.DiscoveredDevice, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, *d)
	}
	return devices
}

// Device returns a copy of one device by ID.
func (s *Service) Device(id string) (models.DiscoveredDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return models.DiscoveredDevice{}, false
	}
	return *d, true
}

// PingDevice probes a device's advertised TCP port. It reports
// reachability and never returns an error.
func (s *Service) PingDevice(id string) bool {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	addr := net.JoinHostPort(d.Address, fmt.Sprintf("%d", d.Port))
	s.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, pingTimeout)
	if err != nil {
		s.logger.Debug("device ping failed", slog.String("device_id", id), slog.String("error", err.Error()))
		return false
	}
	conn.Close()

	s.mu.Lock()
	if d, ok := s.devices[id]; ok {
		d.LastSeen = time.Now()
	}
	s.mu.Unlock()
	return true
}

// Statistics returns registry counts by type and reachability.
func (s *Service) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Statistics{
		Total:    len(s.devices),
		ByType:   make(map[models.DeviceType]int),
		ByStatus: make(map[string]int),
	}
	cutoff := time.Now().Add(-evictAfter)
	for _, d := range s.devices {
		stats.ByType[d.Type]++
		if d.LastSeen.After(cutoff) {
			stats.ByStatus["reachable"]++
		} else {
			stats.ByStatus["stale"]++
		}
	}
	return stats
}

func (s *Service) loop(stopCh chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	s.browseAll(ctx)

	browse := time.NewTicker(browseInterval)
	defer browse.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-browse.C:
			s.browseAll(ctx)
		case <-sweep.C:
			s.sweep()
		}
	}
}

// browseAll runs one bounded browse pass over every service type.
func (s *Service) browseAll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, service := range browsedServices {
		wg.Add(1)
		go func(service string) {
			defer wg.Done()
			s.browse(ctx, service)
		}(service)
	}
	wg.Wait()
}

func (s *Service) browse(ctx context.Context, service string) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		s.logger.Error("creating mdns resolver", slog.String("error", err.Error()))
		return
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			s.observe(service, entry)
		}
	}()

	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		s.logger.Error("browsing mdns service",
			slog.String("service", service),
			slog.String("error", err.Error()),
		)
		return
	}
	<-ctx.Done()
}

// observe records one browse result, publishing device_discovered for
// new devices and device_updated for known ones.
func (s *Service) observe(service string, entry *zeroconf.ServiceEntry) {
	ip := pickAddress(entry)
	if ip == "" {
		return
	}

	deviceType := classify(entry.Instance, entry.Text)
	if service == "_http._tcp" && deviceType == models.DeviceUnknown {
		return
	}

	id := deviceID(entry.Instance, ip, entry.Port)
	now := time.Now()

	s.mu.Lock()
	existing, known := s.devices[id]
	if known {
		existing.LastSeen = now
		existing.Address = ip
		existing.Port = entry.Port
		updated := *existing
		s.mu.Unlock()
		s.bus.Publish(events.TopicDeviceUpdated, updated)
		return
	}

	device := &models.DiscoveredDevice{
		ID:           id,
		Name:         entry.Instance,
		Type:         deviceType,
		Address:      ip,
		Port:         entry.Port,
		Capabilities: entry.Text,
		DiscoveredAt: now,
		LastSeen:     now,
	}
	s.devices[id] = device
	discovered := *device
	s.mu.Unlock()

	s.bus.Publish(events.TopicDeviceDiscovered, discovered)
	s.logger.Info("device discovered",
		slog.String("device_id", id),
		slog.String("name", entry.Instance),
		slog.String("type", string(deviceType)),
		slog.String("ip", ip),
		slog.Int("port", entry.Port),
	)
}

// sweep evicts devices not seen for over 5 minutes, publishing a
// single device_lost per eviction.
func (s *Service) sweep() {
	cutoff := time.Now().Add(-evictAfter)

	s.mu.Lock()
	var lost []models.DiscoveredDevice
	for id, d := range s.devices {
		if d.LastSeen.Before(cutoff) {
			lost = append(lost, *d)
			delete(s.devices, id)
		}
	}
	s.mu.Unlock()

	for _, d := range lost {
		s.bus.Publish(events.TopicDeviceLost, d)
		s.logger.Info("device lost",
			slog.String("device_id", d.ID),
			slog.String("name", d.Name),
			slog.Duration("silent_for", time.Since(d.LastSeen).Round(time.Second)),
		)
	}
}

// pickAddress prefers IPv4 and skips loopback-only entries.
func pickAddress(entry *zeroconf.ServiceEntry) string {
	for _, ip := range entry.AddrIPv4 {
		if !ip.IsLoopback() {
			return ip.String()
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if !ip.IsLoopback() {
			return ip.String()
		}
	}
	return ""
}

// deviceID derives a stable ID from the advertisement identity so the
// same device keeps its ID across restarts.
func deviceID(name, ip string, port int) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", name, ip, port)
	return fmt.Sprintf("%016x", h.Sum64())
}

// classify guesses a device type from its instance name and TXT
// records.
func classify(name string, txt []string) models.DeviceType {
	haystack := strings.ToLower(name + " " + strings.Join(txt, " "))
	switch {
	case strings.Contains(haystack, "tablet"), strings.Contains(haystack, "android"):
		return models.DeviceTablet
	case strings.Contains(haystack, "scanner"):
		return models.DeviceScanner
	case strings.Contains(haystack, "warehouse"):
		return models.DeviceWarehouse
	default:
		return models.DeviceUnknown
	}
}
