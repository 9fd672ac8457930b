package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/kwv/meshfit/mesh"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(tracker *mesh.RunTracker, render mesh.RenderConfig) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Phase     string    `json:"phase"`
			HasResult bool      `json:"hasResult"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Phase:     tracker.Snapshot().Phase,
			HasResult: tracker.Result() != nil,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Run status, including the latest inner iteration
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		st := tracker.Snapshot()
		if err := json.NewEncoder(w).Encode(&st); err != nil {
			log.Printf("Error encoding run status: %v", err)
		}
	})

	mux.HandleFunc("/result.obj", func(w http.ResponseWriter, r *http.Request) {
		res := tracker.Result()
		if res == nil {
			http.Error(w, "No result available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="deformed.obj"`)
		if err := mesh.WriteOBJ(w, res.Mesh); err != nil {
			log.Printf("[HTTP] Error writing result OBJ: %v", err)
		}
	})

	mux.HandleFunc("/preview.svg", func(w http.ResponseWriter, r *http.Request) {
		renderer, ok := previewRenderer(w, r, tracker, render)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("[HTTP] Error rendering SVG preview: %v", err)
		}
	})

	mux.HandleFunc("/preview.png", func(w http.ResponseWriter, r *http.Request) {
		renderer, ok := previewRenderer(w, r, tracker, render)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToPNG(w); err != nil {
			log.Printf("[HTTP] Error rendering PNG preview: %v", err)
		}
	})

	return mux
}

// previewRenderer builds a renderer for the finished run, honouring an
// optional ?view= query. It writes the error response itself when it fails.
func previewRenderer(w http.ResponseWriter, r *http.Request, tracker *mesh.RunTracker, render mesh.RenderConfig) (*mesh.MeshRenderer, bool) {
	res := tracker.Result()
	if res == nil {
		http.Error(w, "No result available", http.StatusServiceUnavailable)
		return nil, false
	}

	if view := r.URL.Query().Get("view"); view != "" {
		render.View = view
		if err := render.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return nil, false
		}
	}

	renderer := mesh.NewMeshRenderer(render)
	renderer.Source, renderer.Target = tracker.Meshes()
	renderer.SetResult(res)
	return renderer, true
}
