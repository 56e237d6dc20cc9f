package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/pulsegate-core/internal/device"
	"github.com/nerrad567/pulsegate-core/internal/telegram"
)

// channelSettings is one channel's configuration as delivered to a
// polling device.
type channelSettings struct {
	Index              int     `json:"index"`
	Kind               string  `json:"kind"`
	CalibrationFactor  float64 `json:"calibration_factor"`
	CounterWidthBits   int     `json:"counter_width_bits"`
	MaxPulsesPerMinute float64 `json:"max_pulses_per_minute"`
}

// settingsResponse is the payload of one settings delivery.
type settingsResponse struct {
	Identifier string            `json:"id"`
	Channels   []channelSettings `json:"channels"`
}

// handleDeviceSettings hands a device its channel configuration, once
// per operator arming. Devices identify themselves with the same
// id/serial/mac member a telegram carries and poll after each report.
// The response is 204 No Content until an operator arms a delivery,
// then a single 200 with the settings, then 204 again.
//
// A poll carries no reading, so it does not advance the device's
// last-seen time.
func (s *Server) handleDeviceSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		Serial string `json:"serial"`
		Mac    string `json:"mac"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	value := req.ID
	if value == "" {
		value = req.Serial
	}
	if value == "" {
		value = req.Mac
	}
	if value == "" {
		writeBadRequest(w, "missing device identifier (id, serial, or mac)")
		return
	}

	identifier, err := telegram.NormaliseIdentifier(value, 0)
	if err != nil {
		writeBadRequest(w, "invalid device identifier")
		return
	}

	rec, delivered, err := s.registry.TakeSettingsDelivery(r.Context(), identifier)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to check settings delivery")
		return
	}
	if !delivered {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := settingsResponse{
		Identifier: rec.Identifier,
		Channels:   make([]channelSettings, 0, len(rec.Channels)),
	}
	for _, ch := range rec.Channels {
		resp.Channels = append(resp.Channels, channelSettings{
			Index:              ch.Index,
			Kind:               string(ch.Kind),
			CalibrationFactor:  ch.CalibrationFactor,
			CounterWidthBits:   ch.CounterWidthBits,
			MaxPulsesPerMinute: ch.MaxPulsesPerMinute,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleArmSettings marks a device for one settings delivery on its
// next poll. Arming an already-armed device changes nothing.
func (s *Server) handleArmSettings(w http.ResponseWriter, r *http.Request) {
	rec := s.resolveDevice(w, r)
	if rec == nil {
		return
	}

	updated, err := s.registry.ArmSettingsDelivery(r.Context(), rec.ID)
	if err != nil {
		writeInternalError(w, "failed to arm settings delivery")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
