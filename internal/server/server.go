package server

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/sjawhar/sitevoice/internal/config"
	"github.com/sjawhar/sitevoice/internal/llm"
	"github.com/sjawhar/sitevoice/internal/storage"
)

// Recommender streams advice for a transcript or a caller-built
// conversation.
type Recommender interface {
	Stream(ctx context.Context, transcript, preset string, onDelta llm.DeltaFunc) (string, error)
	StreamMessages(ctx context.Context, messages []llm.Message, onDelta llm.DeltaFunc) error
	Presets() map[string]config.Preset
}

type Journal interface {
	AppendRecommendation(rec storage.Recommendation) error
}

// Services are the optional collaborators behind the API. A nil field
// disables the routes that need it.
type Services struct {
	Capture     CaptureService
	Recommender Recommender
	Journal     Journal
	Warnings    func() []string

	// AudioDir is the only place absolute audio paths may point into.
	AudioDir string
}

func Handler(staticFS fs.FS, hub *Hub, store CaptureStore, services Services) (http.Handler, error) {
	mux := http.NewServeMux()

	registerWSRoute(mux, hub)
	registerAPIRoutes(mux, hub, store, services)

	fileServer := http.FileServer(http.FS(staticFS))
	mux.HandleFunc("/", serveSPA(fileServer))

	return mux, nil
}

func Serve(addr string, staticFS fs.FS, hub *Hub, store CaptureStore, services Services) error {
	h, err := Handler(staticFS, hub, store, services)
	if err != nil {
		return err
	}

	log.Printf("web UI at http://%s", addr)
	return http.ListenAndServe(addr, h)
}

func serveSPA(fileServer http.Handler) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws" {
			http.NotFound(w, r)
			return
		}

		if r.URL.Path == "/manifest.json" || r.URL.Path == "/manifest.webmanifest" {
			w.Header().Set("Content-Type", "application/manifest+json")
		}
		if r.URL.Path == "/sw.js" {
			w.Header().Set("Service-Worker-Allowed", "/")
			w.Header().Set("Cache-Control", "no-cache")
		}

		// Client-side routes get the root document; FileServer serves
		// index.html for "/" and redirects explicit /index.html requests.
		cleanPath := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
		if cleanPath == "." || cleanPath == "" || !strings.Contains(cleanPath, ".") {
			r.URL.Path = "/"
		} else {
			r.URL.Path = "/" + cleanPath
		}

		fileServer.ServeHTTP(w, r)
	}
}
