package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"soundlayer/audio"
	"soundlayer/mix"
)

// statusPushInterval is the WebSocket snapshot cadence.
const statusPushInterval = 500 * time.Millisecond

type api struct {
	cfg      Config
	master   *mix.Master
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func newRouter(cfg Config, master *mix.Master, logger zerolog.Logger, rl *ipRateLimiter) http.Handler {
	a := &api{
		cfg:    cfg,
		master: master,
		logger: logger.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))
	r.Use(rl.middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", a.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", a.handleStatus)

		r.Route("/master", func(r chi.Router) {
			r.Post("/play", a.masterOp((*mix.Master).Play))
			r.Post("/pause", a.masterOp((*mix.Master).Pause))
			r.Post("/stop", a.masterOp((*mix.Master).Stop))
			r.Put("/volume", a.handleMasterVolume)
			r.Post("/fade", a.handleMasterFade)
		})

		r.Route("/layers", func(r chi.Router) {
			r.Post("/", a.handleCreateLayer)
			r.Route("/{name}", func(r chi.Router) {
				r.Delete("/", a.handleDeleteLayer)
				r.Post("/enqueue", a.handleEnqueue)
				r.Post("/play", a.layerOp((*mix.Layer).Play))
				r.Post("/pause", a.layerOp((*mix.Layer).Pause))
				r.Post("/stop", a.layerOp((*mix.Layer).Stop))
				r.Post("/clear", a.layerOpVoid((*mix.Layer).Clear))
				r.Put("/volume", a.handleLayerVolume)
			})
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, audio.ErrLayerExists):
		status = http.StatusConflict
	case errors.Is(err, audio.ErrInvalidTransition),
		errors.Is(err, audio.ErrLoopConflict),
		errors.Is(err, audio.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, audio.ErrFileNotFound):
		status = http.StatusNotFound
	case errors.Is(err, audio.ErrDeviceUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.master.TakeSnapshot())
}

func (a *api) masterOp(op func(*mix.Master) error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := op(a.master); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a.master.TakeSnapshot())
	}
}

func (a *api) handleMasterVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume float64 `json:"volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}
	a.master.SetVolume(req.Volume)
	writeJSON(w, http.StatusOK, map[string]float64{"volume": a.master.Volume()})
}

func (a *api) handleMasterFade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Direction  string `json:"direction"` // "in" or "out"
		DurationMS int    `json:"duration_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}
	d := time.Duration(req.DurationMS) * time.Millisecond
	if req.Direction == "out" {
		a.master.FadeOut(d)
	} else {
		a.master.FadeIn(d)
	}
	w.WriteHeader(http.StatusOK)
}

type createLayerRequest struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Replace     bool   `json:"replace"`
	Loop        int    `json:"loop"`
	FadeInMS    int    `json:"fade_in_ms"`
	FadeOutMS   int    `json:"fade_out_ms"`
	Curve       string `json:"curve"`
	Force       bool   `json:"force"`
}

func (a *api) handleCreateLayer(w http.ResponseWriter, r *http.Request) {
	var req createLayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "layer name required"})
		return
	}
	lc := mix.LayerConfig{
		Concurrency:    req.Concurrency,
		Replace:        req.Replace,
		DefaultLoop:    req.Loop,
		DefaultFadeIn:  time.Duration(req.FadeInMS) * time.Millisecond,
		DefaultFadeOut: time.Duration(req.FadeOutMS) * time.Millisecond,
	}
	if req.Curve != "" {
		c := audio.ParseCurve(req.Curve)
		lc.DefaultCurve = &c
	}
	create := a.master.CreateLayer
	if req.Force {
		create = a.master.ReplaceLayer
	}
	if _, err := create(req.Name, lc); err != nil {
		writeError(w, err)
		return
	}
	a.logger.Info().Str("layer", req.Name).Msg("layer created")
	writeJSON(w, http.StatusCreated, a.master.TakeSnapshot())
}

func (a *api) handleDeleteLayer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.master.DeleteLayer(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.master.TakeSnapshot())
}

func (a *api) layerOp(op func(*mix.Layer) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, ok := a.master.GetLayer(chi.URLParam(r, "name"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "layer not found"})
			return
		}
		if err := op(l); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a.master.TakeSnapshot())
	}
}

func (a *api) layerOpVoid(op func(*mix.Layer)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, ok := a.master.GetLayer(chi.URLParam(r, "name"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "layer not found"})
			return
		}
		op(l)
		writeJSON(w, http.StatusOK, a.master.TakeSnapshot())
	}
}

func (a *api) handleLayerVolume(w http.ResponseWriter, r *http.Request) {
	l, ok := a.master.GetLayer(chi.URLParam(r, "name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "layer not found"})
		return
	}
	var req struct {
		Volume float64 `json:"volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}
	l.SetVolume(req.Volume)
	writeJSON(w, http.StatusOK, map[string]float64{"volume": l.Volume()})
}

type enqueueRequest struct {
	File       string  `json:"file"`
	Loop       int     `json:"loop"`
	Volume     float64 `json:"volume"`
	DelayMS    int     `json:"delay_ms"`
	FadeInMS   *int    `json:"fade_in_ms"`
	FadeOutMS  *int    `json:"fade_out_ms"`
	AutoFadeMS int     `json:"auto_fade_ms"`
	Streaming  bool    `json:"streaming"`
}

func (a *api) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	l, ok := a.master.GetLayer(chi.URLParam(r, "name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "layer not found"})
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}

	path, ok := a.resolveSound(req.File)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file escapes sounds dir"})
		return
	}

	srcOpts := []mix.SourceOption{mix.WithLogger(a.logger)}
	if req.Loop != 0 {
		srcOpts = append(srcOpts, mix.WithLoop(req.Loop))
	}
	if req.Volume > 0 {
		srcOpts = append(srcOpts, mix.WithVolume(req.Volume))
	}
	if req.AutoFadeMS > 0 {
		srcOpts = append(srcOpts, mix.WithAutoFadeOut(time.Duration(req.AutoFadeMS)*time.Millisecond))
	}
	if req.Streaming {
		srcOpts = append(srcOpts, mix.WithStreaming())
	}
	src, err := mix.NewSource(a.master.Config(), path, srcOpts...)
	if err != nil {
		writeError(w, err)
		return
	}

	enqOpts := []mix.EnqueueOption{}
	if req.DelayMS > 0 {
		enqOpts = append(enqOpts, mix.WithDelay(time.Duration(req.DelayMS)*time.Millisecond))
	}
	if req.FadeInMS != nil {
		enqOpts = append(enqOpts, mix.WithEnqueueFadeIn(time.Duration(*req.FadeInMS)*time.Millisecond))
	}
	if req.FadeOutMS != nil {
		enqOpts = append(enqOpts, mix.WithEnqueueFadeOut(time.Duration(*req.FadeOutMS)*time.Millisecond))
	}
	if err := l.Enqueue(src, enqOpts...); err != nil {
		writeError(w, err)
		return
	}
	a.logger.Info().Str("layer", l.Name()).Str("file", req.File).Msg("enqueued")
	writeJSON(w, http.StatusAccepted, a.master.TakeSnapshot())
}

// resolveSound joins a request path with the sounds dir and refuses
// anything that climbs out of it.
func (a *api) resolveSound(file string) (string, bool) {
	root, err := filepath.Abs(a.cfg.SoundsDir)
	if err != nil {
		return "", false
	}
	path := filepath.Clean(filepath.Join(root, file))
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", false
	}
	return path, true
}

// handleWS pushes a status snapshot every half second until the client
// goes away.
func (a *api) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	// Drain (and discard) client messages so pings are answered.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for range ticker.C {
		if err := conn.WriteJSON(a.master.TakeSnapshot()); err != nil {
			return
		}
	}
}
