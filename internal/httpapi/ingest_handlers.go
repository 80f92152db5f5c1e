package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

type ingestRequest struct {
	Payload         json.RawMessage `json:"payload"`
	DeviceTimestamp *string         `json:"device_timestamp"`
}

// handleIngest accepts one telemetry reading authenticated by a device
// access token.
func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	rawToken, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, r, http.StatusBadRequest, "payload is required")
		return
	}
	var deviceTS *time.Time
	if req.DeviceTimestamp != nil {
		deviceTS, err = parseTimeParam(*req.DeviceTimestamp)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	reading, err := a.readings.Ingest(r.Context(), rawToken, req.Payload, deviceTS)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReadingResponse(reading))
}
