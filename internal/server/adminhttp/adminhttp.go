// Package adminhttp is the operator surface: stream inventory, metrics,
// epoch resets, exports, and race administration. It listens separately
// from the device port and is expected to sit behind the operator's
// firewall.
package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/iwismer/rusty-timer-sub001/internal/fanout"
	"github.com/iwismer/rusty-timer-sub001/internal/registry"
	"github.com/iwismer/rusty-timer-sub001/internal/store"
)

// Relay is the slice of the session server the admin surface drives.
type Relay interface {
	TriggerEpochReset(streamID string) (uint64, error)
	Hub() *fanout.Hub
}

type Handler struct {
	st    *store.Store
	relay Relay
}

func New(st *store.Store, relay Relay) *Handler {
	return &Handler{st: st, relay: relay}
}

func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/streams", h.listStreams)
	mux.HandleFunc("PATCH /v1/streams/{id}", h.patchStream)
	mux.HandleFunc("GET /v1/streams/{id}/metrics", h.streamMetrics)
	mux.HandleFunc("POST /v1/streams/{id}/reset-epoch", h.resetEpoch)
	mux.HandleFunc("GET /v1/streams/{id}/export", h.export)
	mux.HandleFunc("PUT /v1/streams/{id}/epochs/{epoch}/race", h.setEpochRace)
	mux.HandleFunc("GET /v1/receivers/{id}/cursors", h.receiverCursors)
	mux.HandleFunc("GET /v1/races", h.listRaces)
	mux.HandleFunc("PUT /v1/races/{id}/streams", h.putRaceStreams)
	mux.HandleFunc("POST /v1/races", h.createRace)
	mux.HandleFunc("DELETE /v1/races/{id}", h.deleteRace)
	mux.HandleFunc("GET /v1/races/{id}/participants", h.listParticipants)
	mux.HandleFunc("PUT /v1/races/{id}/participants", h.putParticipants)
	mux.HandleFunc("PUT /v1/races/{id}/chips", h.putChips)
	mux.HandleFunc("GET /v1/races/{id}/unmatched-chips", h.unmatchedChips)
	mux.HandleFunc("PUT /v1/forwarders/{id}/race", h.setForwarderRace)
	mux.HandleFunc("GET /metrics", h.prometheus)
	return mux
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Code: code, Message: message})
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	slog.Error("admin request failed", slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}

type streamJSON struct {
	StreamID    string `json:"stream_id"`
	ForwarderID string `json:"forwarder_id"`
	ReaderKey   string `json:"reader_key"`
	DisplayName string `json:"display_name,omitempty"`
	Epoch       uint64 `json:"epoch"`
	Online      bool   `json:"online"`
}

func (h *Handler) listStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.st.ListStreams()
	if err != nil {
		h.internalError(w, err)
		return
	}
	out := make([]streamJSON, 0, len(streams))
	for _, s := range streams {
		out = append(out, streamJSON{
			StreamID:    s.StreamID,
			ForwarderID: s.ForwarderID,
			ReaderKey:   s.ReaderKey,
			DisplayName: s.DisplayName,
			Epoch:       s.Epoch,
			Online:      s.Online,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) patchStream(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DisplayName *string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DisplayName == nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "expected {\"display_name\": ...}")
		return
	}
	err := h.st.SetDisplayName(r.PathValue("id"), *body.DisplayName)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "stream not found")
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"display_name": *body.DisplayName})
}

func (h *Handler) streamMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.st.Metrics(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "stream not found")
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stream_id":        m.StreamID,
		"raw_count":        m.RawCount,
		"dedup_count":      m.DedupCount,
		"retransmit_count": m.RetransmitCount,
		"conflict_count":   m.ConflictCount,
		"last_event_at":    m.LastEventAt,
	})
}

func (h *Handler) resetEpoch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	newEpoch, err := h.relay.TriggerEpochReset(id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "stream not found")
	case errors.Is(err, registry.ErrDeviceOffline):
		// The forwarder owns seq allocation; without it online the reset
		// cannot be made durable end to end.
		writeError(w, http.StatusConflict, "DEVICE_OFFLINE",
			"owning forwarder is offline; epoch reset requires a live session")
	case err != nil:
		h.internalError(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]uint64{"new_epoch": newEpoch})
	}
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "raw" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "format must be csv or raw")
		return
	}

	// Resolve the stream before any response bytes are committed; a gzip
	// writer opened earlier would flush a stream trailer after the error
	// body on close.
	if _, err := h.st.GetStream(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "stream not found")
			return
		}
		h.internalError(w, err)
		return
	}

	var out io.Writer = w
	if r.URL.Query().Get("gzip") == "1" {
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		defer gw.Close()
		out = gw
	}

	var err error
	switch format {
	case "raw":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		err = h.st.ExportRaw(out, id)
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		err = h.st.ExportCSV(out, id)
	}
	if err != nil {
		slog.Error("export failed", slog.String("stream_id", id), slog.Any("error", err))
	}
}

type raceJSON struct {
	RaceID           string `json:"race_id"`
	Name             string `json:"name"`
	CreatedAt        string `json:"created_at"`
	ParticipantCount int64  `json:"participant_count"`
	ChipCount        int64  `json:"chip_count"`
}

func (h *Handler) listRaces(w http.ResponseWriter, r *http.Request) {
	races, err := h.st.ListRaces()
	if err != nil {
		h.internalError(w, err)
		return
	}
	out := make([]raceJSON, 0, len(races))
	for _, rc := range races {
		out = append(out, raceJSON(rc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) createRace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "expected {\"name\": ...}")
		return
	}
	race, err := h.st.CreateRace(strings.TrimSpace(body.Name))
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, raceJSON(race))
}

func (h *Handler) deleteRace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := h.st.DeleteRace(id)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "race not found")
		return
	}
	h.relay.Hub().OnMappingChange(id)
	w.WriteHeader(http.StatusNoContent)
}

type participantJSON struct {
	Bib         int      `json:"bib"`
	FirstName   string   `json:"first_name"`
	LastName    string   `json:"last_name"`
	Gender      string   `json:"gender"`
	Affiliation string   `json:"affiliation,omitempty"`
	ChipIDs     []string `json:"chip_ids"`
}

func (h *Handler) listParticipants(w http.ResponseWriter, r *http.Request) {
	list, err := h.st.ListParticipants(r.PathValue("id"))
	if err != nil {
		h.internalError(w, err)
		return
	}
	out := make([]participantJSON, 0, len(list))
	for _, p := range list {
		out = append(out, participantJSON(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) putParticipants(w http.ResponseWriter, r *http.Request) {
	raceID := r.PathValue("id")
	if !h.requireRace(w, raceID) {
		return
	}
	var body []participantJSON
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	in := make([]store.Participant, len(body))
	for i, p := range body {
		in[i] = store.Participant(p)
	}
	n, err := h.st.ReplaceParticipants(raceID, in)
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (h *Handler) putChips(w http.ResponseWriter, r *http.Request) {
	raceID := r.PathValue("id")
	if !h.requireRace(w, raceID) {
		return
	}
	var body []struct {
		ChipID string `json:"chip_id"`
		Bib    int    `json:"bib"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	in := make([]store.Chip, len(body))
	for i, c := range body {
		in[i] = store.Chip{ChipID: c.ChipID, Bib: c.Bib}
	}
	n, err := h.st.ReplaceChips(raceID, in)
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (h *Handler) unmatchedChips(w http.ResponseWriter, r *http.Request) {
	list, err := h.st.UnmatchedChips(r.PathValue("id"))
	if err != nil {
		h.internalError(w, err)
		return
	}
	type chipJSON struct {
		ChipID string `json:"chip_id"`
		Bib    int    `json:"bib"`
	}
	out := make([]chipJSON, 0, len(list))
	for _, c := range list {
		out = append(out, chipJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) setForwarderRace(w http.ResponseWriter, r *http.Request) {
	forwarderID := r.PathValue("id")
	var body struct {
		RaceID string `json:"race_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if body.RaceID != "" && !h.requireRace(w, body.RaceID) {
		return
	}
	prev, had, err := h.st.GetForwarderRace(forwarderID)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if err := h.st.SetForwarderRace(forwarderID, body.RaceID); err != nil {
		h.internalError(w, err)
		return
	}
	if had && prev != body.RaceID {
		h.relay.Hub().OnMappingChange(prev)
	}
	if body.RaceID != "" {
		h.relay.Hub().OnMappingChange(body.RaceID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"race_id": body.RaceID})
}

func (h *Handler) setEpochRace(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	epoch, err := strconv.ParseUint(r.PathValue("epoch"), 10, 64)
	if err != nil || epoch == 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "epoch must be a positive integer")
		return
	}
	if _, err := h.st.GetStream(streamID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "stream not found")
		return
	} else if err != nil {
		h.internalError(w, err)
		return
	}
	var body struct {
		RaceID string `json:"race_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if body.RaceID != "" && !h.requireRace(w, body.RaceID) {
		return
	}
	prev := h.previousEpochRace(streamID, epoch)
	if err := h.st.SetStreamEpochRace(streamID, epoch, body.RaceID); err != nil {
		h.internalError(w, err)
		return
	}
	if prev != "" && prev != body.RaceID {
		h.relay.Hub().OnMappingChange(prev)
	}
	if body.RaceID != "" {
		h.relay.Hub().OnMappingChange(body.RaceID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"race_id": body.RaceID})
}

// putRaceStreams maps a batch of (stream, epoch) pairs to one race, the
// bulk form of the per-epoch endpoint.
func (h *Handler) putRaceStreams(w http.ResponseWriter, r *http.Request) {
	raceID := r.PathValue("id")
	if !h.requireRace(w, raceID) {
		return
	}
	var body []struct {
		StreamID string `json:"stream_id"`
		Epoch    uint64 `json:"epoch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	for _, m := range body {
		if m.Epoch == 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "epoch must be a positive integer")
			return
		}
		if _, err := h.st.GetStream(m.StreamID); errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "stream "+m.StreamID+" not found")
			return
		} else if err != nil {
			h.internalError(w, err)
			return
		}
	}
	for _, m := range body {
		if err := h.st.SetStreamEpochRace(m.StreamID, m.Epoch, raceID); err != nil {
			h.internalError(w, err)
			return
		}
	}
	h.relay.Hub().OnMappingChange(raceID)
	writeJSON(w, http.StatusOK, map[string]int{"mapped": len(body)})
}

func (h *Handler) receiverCursors(w http.ResponseWriter, r *http.Request) {
	cursors, err := h.st.CursorsForReceiver(r.PathValue("id"))
	if err != nil {
		h.internalError(w, err)
		return
	}
	type cursorJSON struct {
		StreamID string `json:"stream_id"`
		Epoch    uint64 `json:"epoch"`
		LastSeq  uint64 `json:"last_seq"`
	}
	out := make([]cursorJSON, 0, len(cursors))
	for _, c := range cursors {
		out = append(out, cursorJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) previousEpochRace(streamID string, epoch uint64) string {
	mapped, err := h.st.MappedEpochs(streamID)
	if err != nil {
		return ""
	}
	return mapped[epoch]
}

func (h *Handler) requireRace(w http.ResponseWriter, raceID string) bool {
	ok, err := h.st.RaceExists(raceID)
	if err != nil {
		h.internalError(w, err)
		return false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "race not found")
		return false
	}
	return true
}

// Serve runs the admin listener until ctx is cancelled.
func Serve(ctx context.Context, addr string, h *Handler) error {
	srv := &http.Server{Addr: addr, Handler: h.Mux(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	slog.Info("admin endpoint listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("adminhttp: %w", err)
	}
	return nil
}
