// Package wifisync runs the WebSocket session layer between warehouse
// devices and the sync server. It owns the connected-device registry
// and translates protocol messages into queue operations.
package wifisync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/events"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/models"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/payload"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/queue"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/retry"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/syncerrors"
)

const (
	staleSweepInterval = 5 * time.Minute
	stuckCheckInterval = time.Minute
	statsInterval      = 30 * time.Second
	chunkSize          = 32 * 1024
	forceSyncPriority  = 10
)

// Service is the device session layer. The device registry is mutated
// only here; other components observe through events or the query
// methods.
type Service struct {
	logger           *slog.Logger
	bus              *events.Bus
	endpoints        *payload.Endpoints
	heartbeatTimeout time.Duration
	capabilities     []string
	syncEndpoint     string

	queue   *queue.Manager
	retries *retry.Manager

	mu       sync.Mutex
	devices  map[string]*models.Device
	sessions map[string]*session
	tokens   map[string]map[string]string // jobID -> dataType -> uncommitted sync token
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewService creates a stopped session service. AttachQueue and
// AttachRetries must be called before Start.
func NewService(logger *slog.Logger, bus *events.Bus, endpoints *payload.Endpoints, heartbeatTimeout time.Duration, capabilities []string, syncEndpoint string) *Service {
	return &Service{
		logger:           logger,
		bus:              bus,
		endpoints:        endpoints,
		heartbeatTimeout: heartbeatTimeout,
		capabilities:     capabilities,
		syncEndpoint:     syncEndpoint,
		devices:          make(map[string]*models.Device),
		sessions:         make(map[string]*session),
		tokens:           make(map[string]map[string]string),
	}
}

// AttachQueue wires the job queue. The service is also the queue's
// stage executor, so the two are constructed in two steps.
func (s *Service) AttachQueue(q *queue.Manager) { s.queue = q }

// AttachRetries wires the retry manager.
func (s *Service) AttachRetries(r *retry.Manager) { s.retries = r }

// Start launches the event consumer and periodic background loops.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	sub := s.bus.Subscribe(
		events.TopicJobCompleted,
		events.TopicJobFailed,
		events.TopicJobStuck,
		events.TopicRetryReady,
		events.TopicRetryExhausted,
	)

	s.wg.Add(2)
	go s.consume(sub, s.stopCh)
	go s.periodic(s.stopCh)

	s.logger.Info("wifi sync service started")
}

// Stop closes every session and stops the background loops.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close(websocket.StatusGoingAway, "server shutting down")
	}
	s.wg.Wait()
	s.logger.Info("wifi sync service stopped")
}

// HandleWS upgrades an HTTP request to a device session and serves it
// until the connection drops.
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	s.Serve(r.Context(), conn)
}

// Serve runs the read loop for one connection. Exported separately
// from HandleWS so tests can drive it with a fake connection.
func (s *Service) Serve(ctx context.Context, conn wsConn) {
	sess := newSession(conn)
	defer s.dropSession(sess)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.dispatch(sess, data)
	}
}

func (s *Service) dispatch(sess *session, data []byte) {
	switch gjson.GetBytes(data, "type").Str {
	case msgRegister:
		s.handleRegister(sess, data)
	case msgHeartbeat:
		s.handleHeartbeat(sess, data)
	case msgSyncRequest:
		s.handleSyncRequest(sess, data)
	case msgSyncData:
		s.handleSyncData(sess, data)
	case msgSyncComplete:
		s.handleSyncComplete(sess, data)
	default:
		s.logger.Debug("unknown message type",
			slog.String("type", gjson.GetBytes(data, "type").Str),
		)
	}
}

// handleRegister creates or replaces the device record. A second
// registration for the same device supersedes the old session.
func (s *Service) handleRegister(sess *session, data []byte) {
	var msg registerMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.DeviceID == "" || msg.Name == "" {
		sess.send(registrationFailedMsg{Type: msgRegistrationFailed, Message: "invalid registration"})
		return
	}

	deviceType := models.DeviceType(msg.DeviceType)
	switch deviceType {
	case models.DeviceTablet, models.DeviceScanner, models.DeviceDesktop:
	default:
		deviceType = models.DeviceUnknown
	}

	now := time.Now()
	device := &models.Device{
		ID:           msg.DeviceID,
		Name:         msg.Name,
		Type:         deviceType,
		Status:       models.DeviceOnline,
		LastSeen:     now,
		Capabilities: msg.Capabilities,
		Version:      msg.Version,
	}

	s.mu.Lock()
	if prev, ok := s.sessions[msg.DeviceID]; ok && prev != sess {
		go prev.close(websocket.StatusPolicyViolation, "superseded by new session")
	}
	if existing, ok := s.devices[msg.DeviceID]; ok {
		device.LastSync = existing.LastSync
	}
	sess.deviceID = msg.DeviceID
	s.sessions[msg.DeviceID] = sess
	s.devices[msg.DeviceID] = device
	s.mu.Unlock()

	sess.send(registrationSuccessMsg{
		Type:               msgRegistrationSuccess,
		DeviceID:           msg.DeviceID,
		ServerCapabilities: s.capabilities,
		SyncEndpoint:       s.syncEndpoint,
	})
	s.bus.Publish(events.TopicDeviceConnected, *device)
	s.logger.Info("device registered",
		slog.String("device_id", msg.DeviceID),
		slog.String("name", msg.Name),
		slog.String("type", string(deviceType)),
	)
	s.broadcastDeviceStatus()
}

func (s *Service) handleHeartbeat(sess *session, data []byte) {
	var msg heartbeatMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.DeviceID == "" {
		return
	}

	s.mu.Lock()
	if device, ok := s.devices[msg.DeviceID]; ok {
		device.LastSeen = time.Now()
		if device.Status == models.DeviceOffline || device.Status == models.DeviceError {
			device.Status = models.DeviceOnline
		}
	}
	s.mu.Unlock()

	sess.send(heartbeatAckMsg{Type: msgHeartbeatAck, Timestamp: time.Now()})
}

func (s *Service) handleSyncRequest(sess *session, data []byte) {
	var msg syncRequestMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		sess.send(syncFailedMsg{Type: msgSyncFailed, Message: "invalid sync request"})
		return
	}

	jobID, err := s.QueueSyncJob(msg.DeviceID, models.SyncType(msg.SyncType), msg.Priority)
	if err != nil {
		sess.send(syncFailedMsg{Type: msgSyncFailed, Message: err.Error()})
		return
	}
	sess.send(syncQueuedMsg{Type: msgSyncQueued, JobID: jobID, Position: s.queue.Position(jobID)})
}

// handleSyncData reassembles inbound payload chunks. Chunks must
// arrive in order; a gap aborts the transfer for that job.
func (s *Service) handleSyncData(sess *session, data []byte) {
	var msg syncDataMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.JobID == "" || msg.TotalChunks < 1 {
		sess.send(syncDataErrorMsg{Type: msgSyncDataError, JobID: msg.JobID, Message: "invalid sync_data message"})
		return
	}

	buf, ok := sess.chunks[msg.JobID]
	if !ok {
		buf = &chunkBuffer{total: msg.TotalChunks}
		sess.chunks[msg.JobID] = buf
	}
	if msg.Chunk != buf.next || msg.TotalChunks != buf.total {
		delete(sess.chunks, msg.JobID)
		sess.send(syncDataErrorMsg{
			Type:    msgSyncDataError,
			JobID:   msg.JobID,
			Message: fmt.Sprintf("expected chunk %d, got %d", buf.next, msg.Chunk),
		})
		return
	}

	buf.data = append(buf.data, msg.Data...)
	buf.next++
	sess.send(syncDataAckMsg{Type: msgSyncDataAck, JobID: msg.JobID, Chunk: msg.Chunk})

	if buf.next < buf.total {
		return
	}
	delete(sess.chunks, msg.JobID)

	var env payload.Envelope
	if err := json.Unmarshal(buf.data, &env); err != nil {
		sess.send(syncDataErrorMsg{Type: msgSyncDataError, JobID: msg.JobID, Message: "malformed payload envelope"})
		return
	}

	result, err := s.endpoints.ApplyInbound(env)
	if err != nil {
		sess.send(syncDataErrorMsg{Type: msgSyncDataError, JobID: msg.JobID, Message: err.Error()})
		s.logger.Warn("inbound payload rejected",
			slog.String("job_id", msg.JobID),
			slog.String("device_id", env.DeviceID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("inbound payload applied",
		slog.String("job_id", msg.JobID),
		slog.String("type", result.Type),
		slog.Int("applied", result.Applied),
		slog.Int("conflicts", len(result.Conflicts)),
	)
}

// handleSyncComplete records the device's acknowledgement of a
// transfer. Incremental watermarks are committed only here.
func (s *Service) handleSyncComplete(sess *session, data []byte) {
	var msg syncCompleteMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.JobID == "" {
		return
	}

	s.mu.Lock()
	tokens := s.tokens[msg.JobID]
	delete(s.tokens, msg.JobID)
	device := s.devices[sess.deviceID]
	if device != nil && msg.Success {
		now := time.Now()
		device.LastSync = &now
	}
	s.mu.Unlock()

	if msg.Success && len(tokens) > 0 {
		if job, ok := s.queue.Job(msg.JobID); ok {
			for dataType, token := range tokens {
				if err := s.endpoints.CommitToken(job.DeviceID, dataType, token); err != nil {
					s.logger.Error("committing sync token",
						slog.String("job_id", msg.JobID),
						slog.String("data_type", dataType),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}

	s.logger.Info("device reported sync complete",
		slog.String("job_id", msg.JobID),
		slog.Bool("success", msg.Success),
		slog.String("error", msg.Error),
	)
}

// QueueSyncJob validates the device and enqueues a sync job.
func (s *Service) QueueSyncJob(deviceID string, syncType models.SyncType, priority int) (string, error) {
	s.mu.Lock()
	device, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("queueing sync for %s: %w", deviceID, syncerrors.ErrDeviceNotFound)
	}
	// A device in error state is as unsyncable as an offline one.
	if device.Status == models.DeviceOffline || device.Status == models.DeviceError {
		s.mu.Unlock()
		return "", fmt.Errorf("queueing sync for %s: %w", deviceID, syncerrors.ErrDeviceOffline)
	}
	s.mu.Unlock()

	policy := s.retries.Policy(syncType)
	return s.queue.AddJob(models.SyncJob{
		DeviceID:    deviceID,
		Type:        syncType,
		Priority:    priority,
		MaxAttempts: policy.MaxAttempts,
	})
}

// ForceSyncDevice enqueues an urgent full sync.
func (s *Service) ForceSyncDevice(deviceID string) (string, error) {
	return s.QueueSyncJob(deviceID, models.SyncFull, forceSyncPriority)
}

// ConnectedDevices returns copies of all known devices, online or not.
func (s *Service) ConnectedDevices() []models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make([]models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, *d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// Device returns a copy of one device.
func (s *Service) Device(deviceID string) (models.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return models.Device{}, false
	}
	return *d, true
}

// QueueStatistics exposes queue counts for the presentation layer.
func (s *Service) QueueStatistics() queue.Statistics {
	return s.queue.Statistics()
}

// ExecuteStage runs one stage of a sync job against the device's
// session. It satisfies the queue's executor contract.
func (s *Service) ExecuteStage(ctx context.Context, job *models.SyncJob, stage string) error {
	switch stage {
	case "prepare":
		return s.stagePrepare(job)
	case "tasks":
		return s.stageTransfer(ctx, job, payload.TypeTasks)
	case "inventory":
		return s.stageTransfer(ctx, job, payload.TypeInventory)
	case "settings":
		return s.stageTransfer(ctx, job, payload.TypeSettings)
	case "finalize":
		return s.stageFinalize(job)
	default:
		return fmt.Errorf("%w: unknown stage %q", syncerrors.ErrValidation, stage)
	}
}

func (s *Service) stagePrepare(job *models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[job.DeviceID]
	if !ok {
		return fmt.Errorf("preparing job %s: %w", job.ID, syncerrors.ErrDeviceNotFound)
	}
	if device.Status == models.DeviceOffline {
		return fmt.Errorf("preparing job %s: %w", job.ID, syncerrors.ErrDeviceOffline)
	}
	if _, ok := s.sessions[job.DeviceID]; !ok {
		return fmt.Errorf("preparing job %s: %w", job.ID, syncerrors.ErrDeviceUnavailable)
	}
	device.Status = models.DeviceSyncing
	return nil
}

// stageTransfer builds the outbound payload for one entity type and
// streams it to the device in chunks.
func (s *Service) stageTransfer(ctx context.Context, job *models.SyncJob, dataType string) error {
	s.mu.Lock()
	sess, ok := s.sessions[job.DeviceID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("transferring %s: %w", dataType, syncerrors.ErrDeviceUnavailable)
	}

	var (
		env   payload.Envelope
		token string
		err   error
	)
	if job.Type == models.SyncIncremental {
		env, token, err = s.endpoints.BuildIncremental(job.DeviceID, dataType)
	} else {
		env, err = s.endpoints.BuildOutbound(job.DeviceID, dataType)
	}
	if err != nil {
		return err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	total := (len(raw) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("transfer aborted: %w", syncerrors.ErrJobCancelled)
		}
		start := i * chunkSize
		end := min(start+chunkSize, len(raw))
		chunk := syncDataMsg{
			Type:        msgSyncData,
			JobID:       job.ID,
			Data:        string(raw[start:end]),
			Chunk:       i,
			TotalChunks: total,
		}
		if err := sess.send(chunk); err != nil {
			return fmt.Errorf("sending %s chunk %d: %w", dataType, i, syncerrors.ErrNetwork)
		}
	}

	if token != "" {
		s.mu.Lock()
		if s.tokens[job.ID] == nil {
			s.tokens[job.ID] = make(map[string]string)
		}
		s.tokens[job.ID][dataType] = token
		s.mu.Unlock()
	}
	return nil
}

func (s *Service) stageFinalize(job *models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device, ok := s.devices[job.DeviceID]; ok && device.Status == models.DeviceSyncing {
		device.Status = models.DeviceOnline
	}
	return nil
}

// consume reacts to queue and retry events: completion notices go to
// the device, failures go to the retry manager, and ready retries are
// re-enqueued.
func (s *Service) consume(sub *events.Subscription, stopCh chan struct{}) {
	defer s.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-stopCh:
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			job, ok := evt.Payload.(models.SyncJob)
			if !ok {
				continue
			}

			switch evt.Topic {
			case events.TopicJobCompleted:
				s.notifyResult(job.DeviceID, syncResultMsg{Type: msgSyncResult, JobID: job.ID, Success: true})
				s.markIdle(job.DeviceID, true)

			case events.TopicJobFailed:
				if job.Status == models.JobCancelled {
					// Cancellation is not a device fault; the device
					// goes back to idle, not error.
					s.markIdle(job.DeviceID, true)
					s.notifyResult(job.DeviceID, syncResultMsg{Type: msgSyncResult, JobID: job.ID, Success: false, Error: job.Error})
					continue
				}
				s.markIdle(job.DeviceID, false)
				// Exhaustion surfaces through retry_exhausted below.
				s.retries.ScheduleRetry(job)

			case events.TopicJobStuck:
				s.logger.Warn("job stuck",
					slog.String("job_id", job.ID),
					slog.String("device_id", job.DeviceID),
				)

			case events.TopicRetryReady:
				if _, err := s.queue.AddJob(job); err != nil {
					s.logger.Error("re-enqueueing retry",
						slog.String("job_id", job.ID),
						slog.String("error", err.Error()),
					)
				}

			case events.TopicRetryExhausted:
				s.notifyResult(job.DeviceID, syncResultMsg{Type: msgSyncResult, JobID: job.ID, Success: false, Error: job.Error})
			}
		}
	}
}

func (s *Service) notifyResult(deviceID string, msg syncResultMsg) {
	s.mu.Lock()
	sess, ok := s.sessions[deviceID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := sess.send(msg); err != nil {
		s.logger.Debug("delivering sync result",
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()),
		)
	}
}

// markIdle returns a syncing device to online, or to error when the
// job failed.
func (s *Service) markIdle(deviceID string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[deviceID]
	if !ok || device.Status != models.DeviceSyncing {
		return
	}
	if success {
		device.Status = models.DeviceOnline
	} else {
		device.Status = models.DeviceError
	}
}

func (s *Service) periodic(stopCh chan struct{}) {
	defer s.wg.Done()

	stale := time.NewTicker(staleSweepInterval)
	defer stale.Stop()
	stuck := time.NewTicker(stuckCheckInterval)
	defer stuck.Stop()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-stale.C:
			s.sweepStale()
		case <-stuck.C:
			s.queue.CheckStuckJobs()
		case <-stats.C:
			s.broadcastStatistics()
		}
	}
}

// sweepStale flips devices silent past the heartbeat timeout to
// offline.
func (s *Service) sweepStale() {
	cutoff := time.Now().Add(-s.heartbeatTimeout)

	s.mu.Lock()
	var flipped []models.Device
	for _, device := range s.devices {
		if device.Status != models.DeviceOffline && device.LastSeen.Before(cutoff) {
			device.Status = models.DeviceOffline
			flipped = append(flipped, *device)
		}
	}
	s.mu.Unlock()

	for _, device := range flipped {
		s.bus.Publish(events.TopicDeviceDisconnected, device)
		s.logger.Info("device heartbeat timed out",
			slog.String("device_id", device.ID),
			slog.Time("last_seen", device.LastSeen),
		)
	}
	if len(flipped) > 0 {
		s.broadcastDeviceStatus()
	}
}

func (s *Service) broadcastDeviceStatus() {
	s.broadcast(deviceStatusUpdateMsg{Type: msgDeviceStatusUpdate, Devices: s.ConnectedDevices()})
}

func (s *Service) broadcastStatistics() {
	s.broadcast(syncStatisticsMsg{Type: msgSyncStatistics, Statistics: s.queue.Statistics()})
}

func (s *Service) broadcast(v any) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.send(v)
	}
}

// dropSession removes a closed session and marks its device offline.
func (s *Service) dropSession(sess *session) {
	sess.close(websocket.StatusNormalClosure, "session ended")
	if sess.deviceID == "" {
		return
	}

	s.mu.Lock()
	if current, ok := s.sessions[sess.deviceID]; !ok || current != sess {
		// Superseded by a newer session; leave the registry alone.
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.deviceID)
	var disconnected *models.Device
	if device, ok := s.devices[sess.deviceID]; ok {
		device.Status = models.DeviceOffline
		copied := *device
		disconnected = &copied
	}
	s.mu.Unlock()

	if disconnected != nil {
		s.bus.Publish(events.TopicDeviceDisconnected, *disconnected)
		s.logger.Info("device disconnected", slog.String("device_id", sess.deviceID))
		s.broadcastDeviceStatus()
	}
}
