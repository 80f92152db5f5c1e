package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"iotguard.dev/internal/device"
	"iotguard.dev/internal/ingest"
	"iotguard.dev/internal/sim"
)

type registerDeviceRequest struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

type deviceSecretRequest struct {
	Secret string `json:"secret"`
}

type deviceResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Category      string     `json:"category"`
	OwnerID       string     `json:"owner_id"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastReadingAt *time.Time `json:"last_reading_at,omitempty"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

type deviceTokenResponse struct {
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresInMinutes int       `json:"expires_in_minutes"`
	ExpiresAt        time.Time `json:"expires_at"`
}

type readingResponse struct {
	ID              string          `json:"id"`
	DeviceID        string          `json:"device_id"`
	Payload         json.RawMessage `json:"payload"`
	PayloadSize     int             `json:"payload_size"`
	DeviceTimestamp *time.Time      `json:"device_timestamp,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
	Simulated       bool            `json:"simulated"`
}

func toDeviceResponse(d *device.Device) deviceResponse {
	return deviceResponse{
		ID:            d.ID,
		Name:          d.Name,
		Category:      d.Category,
		OwnerID:       d.OwnerID,
		Status:        string(d.Status),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		LastReadingAt: d.LastReadingAt,
		DeactivatedAt: d.DeactivatedAt,
	}
}

func toReadingResponse(r *ingest.Reading) readingResponse {
	return readingResponse{
		ID:              r.ID,
		DeviceID:        r.DeviceID,
		Payload:         r.Payload,
		PayloadSize:     r.PayloadSize,
		DeviceTimestamp: r.DeviceTimestamp,
		ReceivedAt:      r.ReceivedAt,
		Simulated:       r.Simulated,
	}
}

func (a *API) handleDevicesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.registerDevice(w, r)
	case http.MethodGet:
		a.listDevices(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) registerDevice(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	var req registerDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	category := strings.TrimSpace(req.Category)
	if !sim.Known(category) {
		writeError(w, r, http.StatusBadRequest, "unknown device category")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = sim.Profiles[category].DefaultName
	}
	dev, secret, err := a.devices.Register(r.Context(), actorFor(user), name, category)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/devices/"+dev.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"device": toDeviceResponse(dev),
		// returned exactly once; only the hash is stored
		"secret": secret,
	})
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	devices, err := a.devices.ListForActor(r.Context(), actorFor(user))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	items := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		items = append(items, toDeviceResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleDeviceResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/devices/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	id, action, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			a.getDevice(w, r, id)
		case http.MethodDelete:
			a.deleteDevice(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
	case "token":
		a.deviceToken(w, r, id)
	case "rotate-secret":
		a.rotateSecret(w, r, id)
	case "invalidate-tokens":
		a.invalidateTokens(w, r, id)
	case "deactivate":
		a.setDeviceStatus(w, r, id, a.devices.Deactivate)
	case "reactivate":
		a.setDeviceStatus(w, r, id, a.devices.Reactivate)
	case "readings":
		a.listReadings(w, r, id)
	case "readings/meta":
		a.readingsMeta(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	dev, err := a.devices.Get(r.Context(), actorFor(user), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(dev))
}

func (a *API) deleteDevice(w http.ResponseWriter, r *http.Request, id string) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	if err := a.devices.Delete(r.Context(), actorFor(user), id); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deviceToken exchanges the device's one-time secret for a short-lived access
// token. No user session is involved; the device authenticates itself.
func (a *API) deviceToken(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req deviceSecretRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tokenStr, expiresAt, err := a.devices.IssueToken(r.Context(), id, req.Secret)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceTokenResponse{
		AccessToken:      tokenStr,
		TokenType:        "bearer",
		ExpiresInMinutes: int(time.Until(expiresAt).Round(time.Minute) / time.Minute),
		ExpiresAt:        expiresAt,
	})
}

func (a *API) rotateSecret(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	secret, err := a.devices.RotateSecret(r.Context(), actorFor(user), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secret": secret})
}

func (a *API) invalidateTokens(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	if err := a.devices.InvalidateTokens(r.Context(), actorFor(user), id); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated"})
}

func (a *API) setDeviceStatus(w http.ResponseWriter, r *http.Request, id string, op func(context.Context, device.Actor, string) error) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), actorFor(user), id); err != nil {
		handleDomainError(w, r, err)
		return
	}
	dev, err := a.devices.Get(r.Context(), actorFor(user), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(dev))
}

func (a *API) listReadings(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	opts, err := readingOptions(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	readings, err := a.readings.List(r.Context(), actorFor(user), id, opts)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	items := make([]readingResponse, 0, len(readings))
	for _, rd := range readings {
		items = append(items, toReadingResponse(rd))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) readingsMeta(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	opts, err := readingOptions(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	meta, err := a.readings.ReadingsMeta(r.Context(), actorFor(user), id, opts)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     meta.Total,
		"latest_at": meta.LatestAt,
		"oldest_at": meta.OldestAt,
	})
}

func readingOptions(r *http.Request) (ingest.ListOptions, error) {
	var opts ingest.ListOptions
	limit, err := parseLimit(r.URL.Query().Get("limit"), 0, 1, 100)
	if err != nil {
		return opts, err
	}
	opts.Limit = limit
	if opts.Since, err = parseTimeParam(r.URL.Query().Get("since")); err != nil {
		return opts, err
	}
	if opts.Until, err = parseTimeParam(r.URL.Query().Get("until")); err != nil {
		return opts, err
	}
	opts.IncludeSimulated = r.URL.Query().Get("include_simulated") != "false"
	return opts, nil
}

func (a *API) handleDeviceCategories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	type categoryResponse struct {
		Slug        string `json:"slug"`
		Name        string `json:"name"`
		Description string `json:"description"`
		DefaultName string `json:"default_name"`
	}
	items := make([]categoryResponse, 0, len(sim.Profiles))
	for _, p := range sim.Profiles {
		items = append(items, categoryResponse{
			Slug:        p.Slug,
			Name:        p.Name,
			Description: p.Description,
			DefaultName: p.DefaultName,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Slug < items[j].Slug })
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
