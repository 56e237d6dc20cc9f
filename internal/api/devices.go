package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/pulsegate-core/internal/device"
)

// handleListDevices returns all devices, with optional query filters.
//
// Query parameters:
//   - state: filter by registration state (pending, registered)
//   - health: filter by health status (online, offline, unknown)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if stateStr := r.URL.Query().Get("state"); stateStr != "" {
		devices := s.registry.ListByRegistrationState(device.RegistrationState(stateStr))
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
		return
	}

	if healthStr := r.URL.Query().Get("health"); healthStr != "" {
		devices := s.registry.ListByHealth(device.HealthStatus(healthStr))
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
		return
	}

	devices, err := s.registry.List(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// resolveDevice looks up the record for the {identifier} URL parameter.
// Writes the error response and returns nil when the device is unknown.
func (s *Server) resolveDevice(w http.ResponseWriter, r *http.Request) *device.Record {
	identifier := chi.URLParam(r, "identifier")

	rec, err := s.registry.GetByIdentifier(r.Context(), identifier)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeNotFound(w, "device not found")
			return nil
		}
		writeInternalError(w, "failed to get device")
		return nil
	}
	return rec
}

// handleGetDevice returns a single device by identifier.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	rec := s.resolveDevice(w, r)
	if rec == nil {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleUpdateDevice updates operator-editable device metadata. Only the
// display name is editable here; identity and channel state have their
// own endpoints.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	rec := s.resolveDevice(w, r)
	if rec == nil {
		return
	}

	var req struct {
		Name *string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == nil {
		writeBadRequest(w, "name field is required")
		return
	}

	rec.Name = *req.Name
	if err := s.registry.Update(r.Context(), rec); err != nil {
		if isValidationError(err) {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		writeInternalError(w, "failed to update device")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleConfirmDevice promotes a pending device to registered. Safe to
// repeat: a device that is already registered stays registered and the
// response reports promoted=false.
func (s *Server) handleConfirmDevice(w http.ResponseWriter, r *http.Request) {
	rec := s.resolveDevice(w, r)
	if rec == nil {
		return
	}

	promoted, err := s.registry.MarkRegistered(r.Context(), rec.ID)
	if err != nil {
		writeInternalError(w, "failed to confirm device")
		return
	}

	rec, err = s.registry.Get(r.Context(), rec.ID)
	if err != nil {
		writeInternalError(w, "failed to reload device")
		return
	}

	if promoted {
		s.notifier.DeviceRegistered(*rec)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device":   rec,
		"promoted": promoted,
	})
}

// handleDeleteDevice removes a device and clears its retained MQTT topics
// so dashboards do not keep showing a meter that no longer exists.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	rec := s.resolveDevice(w, r)
	if rec == nil {
		return
	}

	if err := s.registry.Delete(r.Context(), rec.ID); err != nil {
		writeInternalError(w, "failed to delete device")
		return
	}

	s.clearRetainedTopics(rec)

	w.WriteHeader(http.StatusNoContent)
}

// clearRetainedTopics publishes empty retained payloads for every topic
// the device ever occupied. An empty retained publish deletes the
// retained message on the broker.
func (s *Server) clearRetainedTopics(rec *device.Record) {
	if s.mqtt == nil {
		return
	}

	topics := s.mqtt.Topics()
	clear := func(topic string) {
		if err := s.mqtt.Publish(topic, nil, 1, true); err != nil {
			s.logger.Debug("failed to clear retained topic", "topic", topic, "error", err)
		}
	}

	for _, ch := range rec.Channels {
		clear(topics.ChannelReading(rec.Identifier, ch.Index))
	}
	clear(topics.DeviceStatus(rec.Identifier))
	clear(topics.DeviceRegistration(rec.Identifier))
}

// handleDeviceStats returns device registry statistics.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.GetStats()
	writeJSON(w, http.StatusOK, stats)
}

// channelIndex parses the {index} URL parameter. Writes the error
// response and returns -1 when it is not a non-negative integer.
func channelIndex(w http.ResponseWriter, r *http.Request) int {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 {
		writeBadRequest(w, "channel index must be a non-negative integer")
		return -1
	}
	return idx
}

// handleConfigureChannel applies operator settings to one channel. Nil
// fields in the body are left unchanged; changes affect future
// reconciliations only.
func (s *Server) handleConfigureChannel(w http.ResponseWriter, r *http.Request) {
	rec := s.resolveDevice(w, r)
	if rec == nil {
		return
	}

	idx := channelIndex(w, r)
	if idx < 0 {
		return
	}

	var cfg device.ChannelConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	updated, err := s.registry.ConfigureChannel(r.Context(), rec.ID, idx, cfg)
	if err != nil {
		s.writeChannelError(w, err, "failed to configure channel")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// handleResetChannel clears a channel's rejection posture after an
// operator has inspected the meter.
//
// An empty body (or "baseline": null) un-baselines the channel so its
// next reading re-initialises it. A numeric baseline resumes delta
// tracking from that raw value immediately. The optional "cumulative"
// field rebases the running total, for meter swaps where the
// replacement's face value should become the new total; omitted, the
// recorded consumption is preserved.
func (s *Server) handleResetChannel(w http.ResponseWriter, r *http.Request) {
	rec := s.resolveDevice(w, r)
	if rec == nil {
		return
	}

	idx := channelIndex(w, r)
	if idx < 0 {
		return
	}

	var req struct {
		Baseline   *uint64  `json:"baseline"`
		Cumulative *float64 `json:"cumulative"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	updated, err := s.registry.ResetChannel(r.Context(), rec.ID, idx, req.Baseline, req.Cumulative)
	if err != nil {
		s.writeChannelError(w, err, "failed to reset channel")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// writeChannelError maps channel operation failures onto the response.
func (s *Server) writeChannelError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, device.ErrChannelNotFound):
		writeNotFound(w, "channel not found")
	case errors.Is(err, device.ErrNotFound):
		writeNotFound(w, "device not found")
	case isValidationError(err):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		writeInternalError(w, fallback)
	}
}

// isValidationError checks whether an error is a device validation error.
// Validation wraps several sentinels, so all of them are checked rather
// than just ErrInvalidDevice.
func isValidationError(err error) bool {
	return errors.Is(err, device.ErrInvalidDevice) ||
		errors.Is(err, device.ErrInvalidIdentifier) ||
		errors.Is(err, device.ErrInvalidName) ||
		errors.Is(err, device.ErrInvalidChannelKind) ||
		errors.Is(err, device.ErrInvalidCalibration) ||
		errors.Is(err, device.ErrInvalidCounterWidth) ||
		errors.Is(err, device.ErrInvalidPulseRate)
}
