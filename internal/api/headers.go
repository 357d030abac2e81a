package api

import (
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/vbus-bridge/internal/bridges/vbus"
)

// HeaderResponse is one consolidated header as served by the API.
type HeaderResponse struct {
	Key         string    `json:"key"`
	Channel     uint8     `json:"channel"`
	Destination uint16    `json:"destination"`
	Source      uint16    `json:"source"`
	Protocol    uint8     `json:"protocol"`
	Command     uint16    `json:"command"`
	Payload     string    `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
}

// SnapshotResponse is the body of GET /api/v1/headers.
type SnapshotResponse struct {
	Time    time.Time          `json:"time"`
	Count   int                `json:"count"`
	Headers []HeaderResponse   `json:"headers"`
	Fields  []vbus.PacketField `json:"fields"`
}

func toHeaderResponse(h vbus.Header) HeaderResponse {
	return HeaderResponse{
		Key:         h.Key.String(),
		Channel:     h.Key.Channel,
		Destination: h.Key.Destination,
		Source:      h.Key.Source,
		Protocol:    h.Key.Protocol,
		Command:     h.Key.Command,
		Payload:     hex.EncodeToString(h.Payload),
		Timestamp:   h.Timestamp,
	}
}

// handleListHeaders returns the current consolidated snapshot and its
// decoded fields.
func (s *Server) handleListHeaders(w http.ResponseWriter, _ *http.Request) {
	snap := s.bridge.Snapshot()

	resp := SnapshotResponse{
		Time:    snap.Time,
		Count:   snap.Len(),
		Headers: make([]HeaderResponse, 0, snap.Len()),
		Fields:  s.bridge.Decode(snap.Headers),
	}
	for _, h := range snap.Headers {
		resp.Headers = append(resp.Headers, toHeaderResponse(h))
	}
	if resp.Fields == nil {
		resp.Fields = []vbus.PacketField{}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGetHeader returns one header of the current snapshot by key,
// e.g. /api/v1/headers/00_0010_7E11_10_0100. Keys are case-insensitive.
func (s *Server) handleGetHeader(w http.ResponseWriter, r *http.Request) {
	key := strings.ToUpper(chi.URLParam(r, "key"))

	for _, h := range s.bridge.Snapshot().Headers {
		if h.Key.String() != key {
			continue
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"header": toHeaderResponse(h),
			"fields": s.bridge.Decode([]vbus.Header{h}),
		})
		return
	}

	writeNotFound(w, "header not found: "+key)
}

// handleSettledHeaders returns the discovery dump once the bus has settled.
func (s *Server) handleSettledHeaders(w http.ResponseWriter, _ *http.Request) {
	settled, ok := s.bridge.Settled()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, ErrCodeNotSettled, "bus discovery has not settled")
		return
	}
	writeJSON(w, http.StatusOK, settled)
}

// handleRecordedHeaders lists headers persisted by the recorder.
func (s *Server) handleRecordedHeaders(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeNotFound(w, "header recorder disabled")
		return
	}

	recorded, err := s.recorder.RecordedHeaders(r.Context())
	if err != nil {
		s.logger.Error("listing recorded headers", "error", err)
		writeInternalError(w, "failed to list recorded headers")
		return
	}
	if recorded == nil {
		recorded = []vbus.RecordedHeader{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"headers": recorded,
		"count":   len(recorded),
	})
}
