package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"linecap/config"
	"linecap/logging"
	"linecap/modbus"
	"linecap/trigger"
)

// DefaultProbeTimeout bounds a PLC probe when the PLC has no timeout set.
const DefaultProbeTimeout = 2 * time.Second

// Deps provides access to the shared backend.
type Deps struct {
	Config     *config.Config
	Supervisor *trigger.Supervisor
	Logs       *logging.Store
	// Probe checks reachability of a PLC. Nil uses modbus.Probe.
	Probe func(modbus.Options) error
}

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Monitoring bool       `json:"monitoring"`
	Session    uint64     `json:"session,omitempty"`
	Started    *time.Time `json:"started,omitempty"`
	Watchers   int        `json:"watchers"`
	Running    int        `json:"running"`
	Failed     int        `json:"failed"`
	PLCs       int        `json:"plcs"`
	Outputs    int        `json:"outputs"`
	PollRate   string     `json:"poll_rate"`
}

// PLCResponse is the JSON response for one PLC probe.
type PLCResponse struct {
	Name      string `json:"name"`
	Equipment string `json:"equipment,omitempty"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// handlers holds the API handler functions.
type handlers struct {
	deps       Deps
	hub        *eventHub
	listenerID logging.ListenerID
	closeOnce  sync.Once
}

func newHandlers(deps Deps) *handlers {
	if deps.Probe == nil {
		deps.Probe = modbus.Probe
	}
	h := &handlers{deps: deps, hub: newEventHub()}
	h.setupSSE()
	return h
}

// NewRouter creates the API router with its own event hub. The returned
// function releases the hub and its log subscription.
func NewRouter(deps Deps) (chi.Router, func()) {
	h := newHandlers(deps)
	return h.routes(), h.close
}

func (h *handlers) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.handleStatus)
	r.Get("/watchers", h.handleWatchers)
	r.Get("/logs", h.handleLogs)
	r.Get("/plcs", h.handlePLCs)
	r.Get("/events", h.handleSSE)
	r.Post("/start", h.handleStart)
	r.Post("/stop", h.handleStop)

	return r
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *handlers) status() StatusResponse {
	cfg := h.deps.Config
	cfg.Lock()
	resp := StatusResponse{
		PLCs:     len(cfg.PLCs),
		Outputs:  len(cfg.Traceability) + len(cfg.ErrorCodes) + len(cfg.DownTime),
		PollRate: cfg.PollRate.String(),
	}
	cfg.Unlock()

	sup := h.deps.Supervisor
	resp.Monitoring = sup.IsMonitoring()
	if sess := sup.Session(); sess != nil {
		resp.Session = sess.ID
		started := sess.Started
		resp.Started = &started
	}
	for _, info := range sup.GetAllWatcherInfo() {
		resp.Watchers++
		switch info.Status {
		case trigger.StatusRunning.String():
			resp.Running++
		case trigger.StatusFailed.String():
			resp.Failed++
		}
	}
	return resp
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.status())
}

func (h *handlers) handleWatchers(w http.ResponseWriter, r *http.Request) {
	infos := h.deps.Supervisor.GetAllWatcherInfo()
	if infos == nil {
		infos = []trigger.WatcherInfo{}
	}
	h.writeJSON(w, infos)
}

// handleLogs returns buffered log lines, optionally filtered by ?since=
// (RFC 3339) or ?after= (sequence number).
func (h *handlers) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs := h.deps.Logs
	var entries []logging.Entry

	switch q := r.URL.Query(); {
	case q.Get("since") != "":
		ts, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		entries = logs.Since(ts)
	case q.Get("after") != "":
		seq, err := strconv.ParseUint(q.Get("after"), 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "after must be a sequence number")
			return
		}
		entries = logs.After(seq)
	default:
		entries = logs.Entries()
	}

	if entries == nil {
		entries = []logging.Entry{}
	}
	h.writeJSON(w, entries)
}

func (h *handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	if sess := h.deps.Supervisor.StartFromConfig(h.deps.Config); sess == nil {
		h.writeError(w, http.StatusConflict, "nothing to monitor: configure at least one PLC and one output")
		return
	}
	h.writeJSON(w, h.status())
}

func (h *handlers) handleStop(w http.ResponseWriter, r *http.Request) {
	h.deps.Supervisor.Stop()
	h.writeJSON(w, h.status())
}

// handlePLCs probes every configured PLC in parallel.
func (h *handlers) handlePLCs(w http.ResponseWriter, r *http.Request) {
	plcs, _ := h.deps.Config.Snapshot()
	resp := make([]PLCResponse, len(plcs))

	var wg sync.WaitGroup
	for i, plc := range plcs {
		resp[i] = PLCResponse{
			Name:      plc.Name,
			Equipment: plc.Equipment,
			Address:   plc.Address,
			Port:      plc.Port,
		}
		opts := plc.ClientOptions()
		if opts.Timeout == 0 {
			opts.Timeout = DefaultProbeTimeout
		}
		wg.Add(1)
		go func(i int, opts modbus.Options) {
			defer wg.Done()
			if err := h.deps.Probe(opts); err != nil {
				resp[i].Status = "Failed"
				resp[i].Error = err.Error()
				return
			}
			resp[i].Status = "Connected"
		}(i, opts)
	}
	wg.Wait()

	h.writeJSON(w, resp)
}
