package www

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"shuttlecore/engine"
	"shuttlecore/protocol"
)

func (h *Handlers) jsonOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (h *Handlers) jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeResponse sends an engine envelope with the HTTP status it carries.
func (h *Handlers) writeResponse(w http.ResponseWriter, resp engine.Response) {
	code := resp.HTTPStatus
	if code == 0 {
		code = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// opContext detaches motion from the request: a dropped client must not
// abort a shuttle halfway through a move.
func opContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func queryInt(r *http.Request, key string, def int64) int64 {
	if s := r.URL.Query().Get(key); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// op decodes the body as an operation request and runs it as the logged-in
// operator.
func (h *Handlers) op(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req protocol.OpRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				h.jsonError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		req.Op = name
		req.Actor = h.getUsername(r)
		h.writeResponse(w, h.engine.Dispatch(opContext(r), &req))
	}
}

type estopRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) apiEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req estopRequest
	json.NewDecoder(r.Body).Decode(&req)
	h.writeResponse(w, h.engine.EmergencyStop(req.Reason, h.getUsername(r)))
}

func (h *Handlers) apiHealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "busy": h.engine.Busy()}
	for name, up := range h.engine.Connections() {
		status[name] = up
	}
	h.jsonOK(w, status)
}

func (h *Handlers) apiSummary(w http.ResponseWriter, r *http.Request) {
	resp := h.engine.Summary()
	if data, ok := resp.Data.(map[string]any); ok {
		data["sse_clients"] = h.eventHub.ClientCount()
	}
	h.writeResponse(w, resp)
}

func (h *Handlers) apiCarStatus(w http.ResponseWriter, r *http.Request) {
	h.writeResponse(w, h.engine.GetCarStatus())
}

func (h *Handlers) apiLiftStatus(w http.ResponseWriter, r *http.Request) {
	h.writeResponse(w, h.engine.GetLiftStatus(r.Context()))
}

func (h *Handlers) apiPLCStats(w http.ResponseWriter, r *http.Request) {
	h.writeResponse(w, h.engine.PLCStats())
}

func (h *Handlers) apiListLocations(w http.ResponseWriter, r *http.Request) {
	h.writeResponse(w, h.engine.ListLocations(queryInt(r, "start", 0), queryInt(r, "end", 0)))
}

func (h *Handlers) apiGetLocation(w http.ResponseWriter, r *http.Request) {
	h.writeResponse(w, h.engine.GetLocation(r.URL.Query().Get("location")))
}

func (h *Handlers) apiGetLocationByPallet(w http.ResponseWriter, r *http.Request) {
	h.writeResponse(w, h.engine.GetLocationByPallet(r.URL.Query().Get("pallet_id")))
}

func (h *Handlers) apiListWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	h.writeResponse(w, h.engine.ListWorkflowRuns(int(queryInt(r, "limit", 50))))
}

func (h *Handlers) apiAuditLog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.DB().ListAuditLog(int(queryInt(r, "limit", 100)))
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, entries)
}
