// Package server exposes the engine to an out-of-process renderer: JSON
// endpoints for search and graph projection, plus a websocket feed that
// answers query frames with freshly projected graphs.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/engramlabs/engram-go/engine"
	"github.com/engramlabs/engram-go/graph"
	"github.com/engramlabs/engram-go/memory"
)

// Server serves one engine's memories to renderers.
type Server struct {
	engine    *engine.Engine
	projector *graph.Projector
	upgrader  websocket.Upgrader
}

// New creates a server around an engine.
func New(e *engine.Engine) *Server {
	return &Server{
		engine:    e,
		projector: graph.NewProjector(e.Store()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the HTTP routes:
//
//	GET /search?q=...[&mode=precise]  ranked memories as JSON
//	GET /graph[?q=...]                projected graph, whole corpus or
//	                                  neighbor-expanded search results
//	GET /graph/live                   websocket graph feed
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /graph", s.handleGraph)
	mux.HandleFunc("GET /graph/live", s.handleGraphLive)
	return mux
}

// memoryView is the wire form of a memory. Embedding vectors stay
// server-side; renderers have no use for them.
type memoryView struct {
	UUID        string    `json:"uuid"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	ContentType string    `json:"contentType"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func viewOf(memories []*memory.Memory) []memoryView {
	views := make([]memoryView, len(memories))
	for i, m := range memories {
		views[i] = memoryView{
			UUID:        m.UUID,
			Title:       m.Title,
			Content:     m.Content,
			ContentType: m.ContentType,
			Source:      m.Source,
			CreatedAt:   m.CreatedAt,
			UpdatedAt:   m.UpdatedAt,
		}
	}
	return views
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	var (
		results []*memory.Memory
		err     error
	)
	if r.URL.Query().Get("mode") == "precise" {
		results, err = s.engine.SearchPrecise(r.Context(), query, 0)
	} else {
		results, err = s.engine.Search(r.Context(), query)
	}
	if err != nil {
		s.fail(w, "search", err)
		return
	}
	s.writeJSON(w, viewOf(results))
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.projectFor(r, r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, "graph", err)
		return
	}
	s.writeJSON(w, g)
}

// handleGraphLive upgrades to a websocket and answers each text frame
// (a query, or empty for the whole corpus) with the projected graph.
func (s *Server) handleGraphLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SERVER] Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		g, err := s.projectFor(r, string(frame))
		if err != nil {
			log.Printf("[SERVER] Live graph projection failed: %v", err)
			if werr := conn.WriteJSON(map[string]string{"error": err.Error()}); werr != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(g); err != nil {
			return
		}
	}
}

func (s *Server) projectFor(r *http.Request, query string) (*graph.Graph, error) {
	if query == "" {
		return s.projector.All(r.Context())
	}
	results, err := s.engine.Search(r.Context(), query)
	if err != nil {
		return nil, err
	}
	return s.projector.ForSearchResults(r.Context(), results)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[SERVER] Encode response: %v", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	log.Printf("[SERVER] %s: %v", op, err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
