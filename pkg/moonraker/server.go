// Package moonraker provides a Moonraker-compatible API server so that
// Fluidd/Mainsail style clients can query extruder status and send
// CHANGE_NOZZLE over HTTP or WebSocket.
package moonraker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	hosterrors "klipper-go-nozzle/pkg/errors"
	"klipper-go-nozzle/pkg/log"
)

const (
	defaultStatusInterval = 250 * time.Millisecond

	wsReadLimit    = 512 * 1024
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

// PrinterInterface is the printer as seen by API clients.
type PrinterInterface interface {
	// GetObjectsList returns the names of objects that report status.
	GetObjectsList() []string

	// GetObjectStatus returns the status of an object filtered to attrs,
	// or nil if there is no such object. Empty attrs returns all fields.
	GetObjectStatus(name string, attrs []string) map[string]any

	// ExecuteGCode runs a G-code script.
	ExecuteGCode(script string) error

	// EmergencyStop shuts the printer down.
	EmergencyStop()

	// GetKlippyState returns one of "startup", "ready", "error", "shutdown".
	GetKlippyState() string
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":7125".
	Addr string

	Printer PrinterInterface

	// StatusInterval is the subscription poll period. Zero uses 250ms.
	StatusInterval time.Duration
}

// Server provides a Moonraker-compatible API server.
type Server struct {
	printer  PrinterInterface
	addr     string
	interval time.Duration
	log      *log.Logger

	httpServer *http.Server

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	// clientID -> object -> attributes
	subscriptions map[int64]map[string][]string
	// clientID -> object -> last sent fields
	lastSent map[int64]map[string]map[string]any
	subMu    sync.Mutex

	notify    chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
	startTime time.Time
}

// New creates a new Moonraker-compatible server.
func New(cfg Config) *Server {
	interval := cfg.StatusInterval
	if interval <= 0 {
		interval = defaultStatusInterval
	}
	s := &Server{
		printer:       cfg.Printer,
		addr:          cfg.Addr,
		interval:      interval,
		log:           log.GetLogger("moonraker"),
		wsClients:     make(map[int64]*WSClient),
		subscriptions: make(map[int64]map[string][]string),
		lastSent:      make(map[int64]map[string]map[string]any),
		notify:        make(chan struct{}, 1),
		stop:          make(chan struct{}),
		startTime:     time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return s
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)

	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/printer/info", s.handlePrinterInfo)
	mux.HandleFunc("/printer/objects/list", s.handleObjectsList)
	mux.HandleFunc("/printer/objects/query", s.handleObjectsQuery)
	mux.HandleFunc("/printer/gcode/script", s.handleGCodeScript)
	mux.HandleFunc("/printer/emergency_stop", s.handleEmergencyStop)

	return s.corsMiddleware(mux)
}

// Start serves the API until Stop is called. It returns nil after Stop.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	s.running.Store(true)
	s.log.Info("API server listening on %s", s.addr)

	go s.statusBroadcastLoop()

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes every client and the HTTP server.
func (s *Server) Stop() error {
	s.running.Store(false)
	s.stopOnce.Do(func() { close(s.stop) })

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// Notify asks for subscribed status to be pushed now rather than at the
// next poll. It never blocks.
func (s *Server) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// NotifyGCodeResponse forwards a G-code response line to every WebSocket
// client. It never blocks.
func (s *Server) NotifyGCodeResponse(msg string) {
	s.broadcast(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify_gcode_response",
		"params":  []any{msg},
	})
}

func (s *Server) broadcast(msg any) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.Send(msg)
	}
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	rpcParseError     = -32700
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

var errMethodNotFound = errors.New("method not found")

func rpcErrorCode(err error) int {
	if errors.Is(err, errMethodNotFound) {
		return rpcMethodNotFound
	}
	if hosterrors.IsGCode(err) {
		return rpcInvalidParams
	}
	return rpcServerError
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONRPCError(w, nil, rpcParseError, "Parse error")
		return
	}

	result, err := s.dispatchMethod(req.Method, req.Params, nil)
	if err != nil {
		s.writeJSONRPCError(w, req.ID, rpcErrorCode(err), err.Error())
		return
	}
	s.writeJSONRPCResult(w, req.ID, result)
}

// dispatchMethod routes a method call to its handler. client is nil for
// plain HTTP requests.
func (s *Server) dispatchMethod(method string, params map[string]any, client *WSClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "printer.info":
		return s.methodPrinterInfo()
	case "printer.objects.list":
		return s.methodObjectsList()
	case "printer.objects.query":
		return s.methodObjectsQuery(params)
	case "printer.objects.subscribe":
		return s.methodObjectsSubscribe(params, client)
	case "printer.gcode.script":
		return s.methodGCodeScript(params)
	case "printer.emergency_stop":
		return s.methodEmergencyStop()
	case "server.connection.identify":
		return s.methodIdentify(params, client)
	default:
		return nil, fmt.Errorf("%w: %s", errMethodNotFound, method)
	}
}

func (s *Server) methodServerInfo() (any, error) {
	hostname, _ := os.Hostname()
	klippyState := s.printer.GetKlippyState()

	s.wsClientMu.RLock()
	wsCount := len(s.wsClients)
	s.wsClientMu.RUnlock()

	return map[string]any{
		"klippy_connected":   true,
		"klippy_state":       klippyState,
		"components":         []string{"klippy_apis"},
		"failed_components":  []string{},
		"warnings":           []string{},
		"websocket_count":    wsCount,
		"moonraker_version":  "v0.8.0-klipper-go-nozzle",
		"api_version":        []int{1, 5, 0},
		"api_version_string": "1.5.0",
		"hostname":           hostname,
	}, nil
}

func (s *Server) methodPrinterInfo() (any, error) {
	hostname, _ := os.Hostname()
	state := s.printer.GetKlippyState()
	stateMessage := "Printer is ready"
	if state != "ready" {
		stateMessage = "Printer is not ready"
		if status := s.printer.GetObjectStatus("webhooks", []string{"state_message"}); status != nil {
			if msg, ok := status["state_message"].(string); ok && msg != "" {
				stateMessage = msg
			}
		}
	}

	return map[string]any{
		"state":            state,
		"state_message":    stateMessage,
		"hostname":         hostname,
		"software_version": "klipper-go-nozzle",
	}, nil
}

func (s *Server) methodObjectsList() (any, error) {
	objects := s.printer.GetObjectsList()
	if objects == nil {
		objects = []string{}
	}
	return map[string]any{"objects": objects}, nil
}

// parseObjects reads the "objects" parameter: object name -> null (all
// fields) or a list of field names.
func parseObjects(params map[string]any) (map[string][]string, error) {
	objectsParam, ok := params["objects"]
	if !ok {
		return nil, fmt.Errorf("missing 'objects' parameter")
	}
	objects, ok := objectsParam.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("'objects' must be an object")
	}

	out := make(map[string][]string, len(objects))
	for name, attrsVal := range objects {
		var attrs []string
		if attrList, ok := attrsVal.([]any); ok {
			for _, attr := range attrList {
				if attrStr, ok := attr.(string); ok {
					attrs = append(attrs, attrStr)
				}
			}
		}
		out[name] = attrs
	}
	return out, nil
}

func (s *Server) eventtime() float64 {
	return float64(time.Since(s.startTime).Milliseconds()) / 1000.0
}

func (s *Server) queryObjects(objects map[string][]string) map[string]any {
	result := make(map[string]any, len(objects))
	for name, attrs := range objects {
		if status := s.printer.GetObjectStatus(name, attrs); status != nil {
			result[name] = status
		}
	}
	return result
}

func (s *Server) methodObjectsQuery(params map[string]any) (any, error) {
	objects, err := parseObjects(params)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"eventtime": s.eventtime(),
		"status":    s.queryObjects(objects),
	}, nil
}

func (s *Server) methodObjectsSubscribe(params map[string]any, client *WSClient) (any, error) {
	if client == nil {
		return nil, fmt.Errorf("subscription requires WebSocket connection")
	}
	objects, err := parseObjects(params)
	if err != nil {
		return nil, err
	}

	status := s.queryObjects(objects)

	s.subMu.Lock()
	s.subscriptions[client.id] = objects
	sent := make(map[string]map[string]any, len(status))
	for name, st := range status {
		sent[name] = st.(map[string]any)
	}
	s.lastSent[client.id] = sent
	s.subMu.Unlock()
	s.log.WithFields(log.Fields{"client": client.id, "objects": sortedKeys(objects)}).Debug("subscribed")

	return map[string]any{
		"eventtime": s.eventtime(),
		"status":    status,
	}, nil
}

func (s *Server) methodGCodeScript(params map[string]any) (any, error) {
	script, ok := params["script"].(string)
	if !ok {
		return nil, fmt.Errorf("missing 'script' parameter")
	}
	if err := s.printer.ExecuteGCode(script); err != nil {
		return nil, err
	}
	s.Notify()
	return "ok", nil
}

func (s *Server) methodEmergencyStop() (any, error) {
	s.log.Warn("emergency stop requested")
	s.printer.EmergencyStop()
	return "ok", nil
}

func (s *Server) methodIdentify(params map[string]any, client *WSClient) (any, error) {
	clientName := "unknown"
	if name, ok := params["client_name"].(string); ok {
		clientName = name
	}
	var id int64
	if client != nil {
		id = client.id
	}
	s.log.WithFields(log.Fields{"client": clientName, "connection_id": id}).Info("client identified")
	return map[string]any{"connection_id": id}, nil
}

// REST endpoint handlers

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w)(s.methodServerInfo())
}

func (s *Server) handlePrinterInfo(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w)(s.methodPrinterInfo())
}

func (s *Server) handleObjectsList(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w)(s.methodObjectsList())
}

// handleObjectsQuery accepts either GET ?toolhead&extruder=a,b or a POST
// with a JSON body {"objects": {...}}.
func (s *Server) handleObjectsQuery(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	switch r.Method {
	case http.MethodGet:
		objects := make(map[string]any)
		for name, values := range r.URL.Query() {
			var attrs []any
			for _, v := range values {
				for _, attr := range strings.Split(v, ",") {
					if attr = strings.TrimSpace(attr); attr != "" {
						attrs = append(attrs, attr)
					}
				}
			}
			objects[name] = attrs
		}
		params = map[string]any{"objects": objects}
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			s.writeJSONError(w, err)
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeResult(w)(s.methodObjectsQuery(params))
}

// handleGCodeScript accepts GET ?script=... or a POST JSON body.
func (s *Server) handleGCodeScript(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	switch r.Method {
	case http.MethodGet:
		params = map[string]any{"script": r.URL.Query().Get("script")}
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			s.writeJSONError(w, err)
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeResult(w)(s.methodGCodeScript(params))
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeResult(w)(s.methodEmergencyStop())
}

// corsMiddleware allows cross-origin requests from web frontends.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JSON response helpers

func (s *Server) writeResult(w http.ResponseWriter) func(any, error) {
	return func(result any, err error) {
		if err != nil {
			s.writeJSONError(w, err)
			return
		}
		s.writeJSON(w, map[string]any{"result": result})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Debug("write response failed")
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    http.StatusBadRequest,
			"message": err.Error(),
		},
	})
}

func (s *Server) writeJSONRPCResult(w http.ResponseWriter, id any, result any) {
	s.writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeJSONRPCError(w http.ResponseWriter, id any, code int, message string) {
	s.writeJSON(w, jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	})
}

// statusBroadcastLoop pushes subscribed status on every poll tick and on
// Notify.
func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.notify:
		case <-s.stop:
			return
		}
		s.broadcastStatusUpdates()
	}
}

// broadcastStatusUpdates sends each subscribed client the fields that
// changed since its last update.
func (s *Server) broadcastStatusUpdates() {
	s.subMu.Lock()
	subs := make(map[int64]map[string][]string, len(s.subscriptions))
	for id, objects := range s.subscriptions {
		subs[id] = objects
	}
	s.subMu.Unlock()

	eventtime := s.eventtime()
	for clientID, objects := range subs {
		s.wsClientMu.RLock()
		client, ok := s.wsClients[clientID]
		s.wsClientMu.RUnlock()
		if !ok {
			continue
		}

		current := s.queryObjects(objects)

		s.subMu.Lock()
		changes := diffStatus(s.lastSent[clientID], current)
		if sent, ok := s.lastSent[clientID]; ok {
			for name, fields := range changes {
				if sent[name] == nil {
					sent[name] = make(map[string]any)
				}
				for k, v := range fields.(map[string]any) {
					sent[name][k] = v
				}
			}
		}
		s.subMu.Unlock()

		if len(changes) == 0 {
			continue
		}
		client.Send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_status_update",
			"params":  []any{changes, eventtime},
		})
	}
}

// diffStatus returns the fields of current that differ from last.
func diffStatus(last map[string]map[string]any, current map[string]any) map[string]any {
	changes := make(map[string]any)
	for name, st := range current {
		fields, ok := st.(map[string]any)
		if !ok {
			continue
		}
		prev := last[name]
		changed := make(map[string]any)
		for k, v := range fields {
			if pv, ok := prev[k]; !ok || !reflect.DeepEqual(pv, v) {
				changed[k] = v
			}
		}
		if len(changed) > 0 {
			changes[name] = changed
		}
	}
	return changes
}

// sortedKeys returns the keys of m in order; used for stable log output.
func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
