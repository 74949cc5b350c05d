// Package api provides REST API endpoints for stored aircraft state data.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"adsb_ingest/internal/report"
	"adsb_ingest/internal/storage"
)

// StateServer provides REST API access to stored aircraft states.
type StateServer struct {
	pg          *storage.PostgresDB
	ch          *storage.ClickHouseDB // nil when archiving is disabled
	log         zerolog.Logger
	port        int
	authEnabled bool
	apiKeys     map[string]bool // Simple API key auth (when enabled).
}

// Config holds configuration for the state API server.
type Config struct {
	Port        int
	AuthEnabled bool
	APIKeys     []string // List of valid API keys.
	Logger      zerolog.Logger
}

// NewStateServer creates a new state API server.
func NewStateServer(pg *storage.PostgresDB, ch *storage.ClickHouseDB, cfg Config) *StateServer {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}

	return &StateServer{
		pg:          pg,
		ch:          ch,
		log:         cfg.Logger,
		port:        cfg.Port,
		authEnabled: cfg.AuthEnabled,
		apiKeys:     keys,
	}
}

// Run starts the HTTP server.
func (s *StateServer) Run() error {
	r := chi.NewRouter()

	// Standard middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS for browser access.
	r.Use(corsMiddleware)

	// Optional authentication.
	if s.authEnabled {
		r.Use(s.authMiddleware)
	}

	r.Handle("/metrics", promhttp.Handler())

	// API routes.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/aircraft/{hex}", s.handleGetAircraft)
		r.Get("/aircraft/{hex}/history", s.handleGetHistory)
		r.Get("/aircraft/{hex}/position", s.handleGetPosition)
		r.Post("/aircraft/batch", s.handleBatch)

		r.Get("/stats", s.handleStats)
	})

	addr := ":" + itoa(s.port)
	s.log.Info().Str("addr", addr).Bool("auth", s.authEnabled).Msg("State API starting")

	return http.ListenAndServe(addr, r)
}

// Router returns the configured chi router for embedding in other servers.
func (s *StateServer) Router() chi.Router {
	r := chi.NewRouter()

	// Optional authentication.
	if s.authEnabled {
		r.Use(s.authMiddleware)
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.handleHealth)
	r.Get("/aircraft/{hex}", s.handleGetAircraft)
	r.Get("/aircraft/{hex}/history", s.handleGetHistory)
	r.Get("/aircraft/{hex}/position", s.handleGetPosition)
	r.Post("/aircraft/batch", s.handleBatch)
	r.Get("/stats", s.handleStats)

	return r
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *StateServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check X-API-Key header first.
		apiKey := r.Header.Get("X-API-Key")

		// Fall back to Authorization: Bearer <key>.
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		// Fall back to query parameter (for simple testing).
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}

		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AircraftResponse is the JSON response for aircraft state queries.
type AircraftResponse struct {
	Hex         string  `json:"hex"`
	Country     string  `json:"country,omitempty"`
	MessageType string  `json:"message_type"`
	Emergency   string  `json:"emergency"`
	SILType     *string `json:"sil_type,omitempty"`

	CallSign        *string `json:"call_sign,omitempty"`
	Registration    *string `json:"registration,omitempty"`
	AircraftType    *string `json:"aircraft_type,omitempty"`
	EmitterCategory *string `json:"emitter_category,omitempty"`
	Squawk          *string `json:"squawk,omitempty"`

	BarometricAltitude     *int32 `json:"barometric_altitude,omitempty"`
	GeometricAltitude      *int32 `json:"geometric_altitude,omitempty"`
	BarometricVerticalRate *int32 `json:"barometric_vertical_rate,omitempty"`
	GeometricVerticalRate  *int32 `json:"geometric_vertical_rate,omitempty"`

	GroundSpeedKt       *float64 `json:"ground_speed_knots,omitempty"`
	IndicatedAirSpeedKt *float64 `json:"indicated_air_speed_knots,omitempty"`
	TrueAirSpeedKt      *float64 `json:"true_air_speed_knots,omitempty"`
	Mach                *float64 `json:"mach,omitempty"`

	Track           *float64 `json:"track,omitempty"`
	MagneticHeading *float64 `json:"magnetic_heading,omitempty"`
	TrueHeading     *float64 `json:"true_heading,omitempty"`

	NavQNH         *float64 `json:"nav_qnh,omitempty"`
	NavAltitudeMCP *int32   `json:"nav_altitude_mcp,omitempty"`
	NavAltitudeFMS *int32   `json:"nav_altitude_fms,omitempty"`
	NavHeading     *float64 `json:"nav_heading,omitempty"`
	NavModes       []string `json:"nav_modes,omitempty"`

	Lat                 *float64 `json:"lat,omitempty"`
	Lon                 *float64 `json:"lon,omitempty"`
	NIC                 *int32   `json:"nic,omitempty"`
	RadiusOfContainment *int32   `json:"radius_of_containment,omitempty"`
	NACp                *int32   `json:"nac_p,omitempty"`
	NACv                *int32   `json:"nac_v,omitempty"`
	SIL                 *int32   `json:"sil,omitempty"`
	GVA                 *int32   `json:"gva,omitempty"`
	SDA                 *int32   `json:"sda,omitempty"`

	IsAlert *bool `json:"alert,omitempty"`
	SPI     *bool `json:"spi,omitempty"`

	MlatFields []string `json:"mlat,omitempty"`
	TisbFields []string `json:"tisb,omitempty"`

	NumMessages int64   `json:"messages"`
	RSSI        float64 `json:"rssi"`
	Seen        string  `json:"seen"`
	SeenPos     *string `json:"seen_pos,omitempty"`
}

func stateToResponse(st *storage.AircraftState, navModes, mlatFields, tisbFields []string) AircraftResponse {
	resp := AircraftResponse{
		Hex:         st.Hex,
		Country:     report.CountryForHex(st.Hex),
		MessageType: st.MessageType,
		Emergency:   st.Emergency,
		SILType:     st.SILType,

		CallSign:        st.CallSign,
		Registration:    st.Registration,
		AircraftType:    st.AircraftType,
		EmitterCategory: st.EmitterCategory,
		Squawk:          st.Squawk,

		BarometricAltitude:     st.BarometricAltitude,
		GeometricAltitude:      st.GeometricAltitude,
		BarometricVerticalRate: st.BarometricVerticalRate,
		GeometricVerticalRate:  st.GeometricVerticalRate,

		GroundSpeedKt:       st.GroundSpeedKt,
		IndicatedAirSpeedKt: st.IndicatedAirSpeedKt,
		TrueAirSpeedKt:      st.TrueAirSpeedKt,
		Mach:                st.Mach,

		Track:           st.Track,
		MagneticHeading: st.MagneticHeading,
		TrueHeading:     st.TrueHeading,

		NavQNH:         st.NavQNH,
		NavAltitudeMCP: st.NavAltitudeMCP,
		NavAltitudeFMS: st.NavAltitudeFMS,
		NavHeading:     st.NavHeading,
		NavModes:       navModes,

		Lat:                 st.Lat,
		Lon:                 st.Lon,
		NIC:                 st.NIC,
		RadiusOfContainment: st.RadiusOfContainment,
		NACp:                st.NACp,
		NACv:                st.NACv,
		SIL:                 st.SIL,
		GVA:                 st.GVA,
		SDA:                 st.SDA,

		IsAlert: st.IsAlert,
		SPI:     st.SPI,

		MlatFields: mlatFields,
		TisbFields: tisbFields,

		NumMessages: st.NumMessages,
		RSSI:        st.RSSI,
		Seen:        st.Seen.Format(time.RFC3339Nano),
	}

	if st.SeenPos != nil {
		v := st.SeenPos.Format(time.RFC3339Nano)
		resp.SeenPos = &v
	}

	return resp
}

func (s *StateServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *StateServer) handleGetAircraft(w http.ResponseWriter, r *http.Request) {
	hex := strings.ToLower(chi.URLParam(r, "hex"))
	if hex == "" {
		writeError(w, http.StatusBadRequest, "hex is required")
		return
	}

	ctx := r.Context()

	state, err := s.pg.GetLatestState(ctx, hex)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "No state found for aircraft")
		return
	}

	navModes, mlatFields, tisbFields, err := s.pg.GetRelationSets(ctx, state.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stateToResponse(state, navModes, mlatFields, tisbFields))
}

func (s *StateServer) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	hex := strings.ToLower(chi.URLParam(r, "hex"))
	if hex == "" {
		writeError(w, http.StatusBadRequest, "hex is required")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC 3339)")
			return
		}
		since = t
	}

	states, err := s.pg.GetStateHistory(r.Context(), hex, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// History rows skip the relation sets; fetch a single state for those.
	results := make([]AircraftResponse, 0, len(states))
	for i := range states {
		results = append(results, stateToResponse(&states[i], nil, nil, nil))
	}

	writeJSON(w, http.StatusOK, results)
}

// PositionResponse is the JSON response for aged position queries.
type PositionResponse struct {
	Hex     string  `json:"hex"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	NIC     int32   `json:"nic"`
	RC      int32   `json:"rc"`
	SeenPos string  `json:"seen_pos"`
}

func (s *StateServer) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	hex := strings.ToLower(chi.URLParam(r, "hex"))
	if hex == "" {
		writeError(w, http.StatusBadRequest, "hex is required")
		return
	}

	pos, err := s.pg.GetAgedPosition(r.Context(), hex)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pos == nil {
		writeError(w, http.StatusNotFound, "No position found for aircraft")
		return
	}

	writeJSON(w, http.StatusOK, PositionResponse{
		Hex:     hex,
		Lat:     pos.Lat,
		Lon:     pos.Lon,
		NIC:     pos.NIC,
		RC:      pos.RC,
		SeenPos: pos.SeenPos.Format(time.RFC3339Nano),
	})
}

// BatchRequest is the request body for batch state lookups.
type BatchRequest struct {
	Aircraft []string `json:"aircraft"` // hex identifiers
}

// BatchResponse is the response for batch state lookups.
type BatchResponse struct {
	Results map[string]AircraftResponse `json:"results"` // Keyed by hex.
	Errors  map[string]string           `json:"errors,omitempty"`
}

func (s *StateServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if len(req.Aircraft) == 0 {
		writeError(w, http.StatusBadRequest, "No aircraft specified")
		return
	}

	if len(req.Aircraft) > 100 {
		writeError(w, http.StatusBadRequest, "Maximum 100 aircraft per batch request")
		return
	}

	ctx := r.Context()

	resp := BatchResponse{
		Results: make(map[string]AircraftResponse),
		Errors:  make(map[string]string),
	}

	for _, raw := range req.Aircraft {
		hex := strings.ToLower(strings.TrimSpace(raw))
		if hex == "" {
			continue
		}

		state, err := s.pg.GetLatestState(ctx, hex)
		if err != nil {
			resp.Errors[hex] = err.Error()
			continue
		}
		if state == nil {
			continue
		}

		navModes, mlatFields, tisbFields, err := s.pg.GetRelationSets(ctx, state.ID)
		if err != nil {
			resp.Errors[hex] = err.Error()
			continue
		}

		resp.Results[hex] = stateToResponse(state, navModes, mlatFields, tisbFields)
	}

	// Remove empty errors map for cleaner output.
	if len(resp.Errors) == 0 {
		resp.Errors = nil
	}

	writeJSON(w, http.StatusOK, resp)
}

// StatsResponse is the JSON response for the stats endpoint.
type StatsResponse struct {
	AircraftRows         int64            `json:"aircraft_rows"`
	DistinctAircraft     int64            `json:"distinct_aircraft"`
	Positions            int64            `json:"positions"`
	ResolutionAdvisories int64            `json:"resolution_advisories"`
	ByMessageType        map[string]int64 `json:"by_message_type"`
	LastReportAt         string           `json:"last_report_at,omitempty"`
	Archive              *ArchiveStats    `json:"archive,omitempty"`
}

// ArchiveStats summarizes the ClickHouse archive.
type ArchiveStats struct {
	Rows          uint64            `json:"rows"`
	ByMessageType map[string]uint64 `json:"by_message_type"`
}

func (s *StateServer) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.pg.GetStats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := StatsResponse{
		AircraftRows:         stats.AircraftRows,
		DistinctAircraft:     stats.DistinctAircraft,
		Positions:            stats.Positions,
		ResolutionAdvisories: stats.ResolutionAdvisories,
		ByMessageType:        stats.ByMessageType,
	}
	if stats.LastReportAt != nil {
		resp.LastReportAt = stats.LastReportAt.Format(time.RFC3339Nano)
	}

	// Archive counts are optional; the API stays up when ClickHouse is down.
	if s.ch != nil {
		rows, err := s.ch.CountStates(ctx)
		if err == nil {
			byType, err := s.ch.CountByMessageType(ctx)
			if err == nil {
				resp.Archive = &ArchiveStats{Rows: rows, ByMessageType: byType}
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Helper functions.

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
