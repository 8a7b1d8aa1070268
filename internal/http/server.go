package http

import (
	"net/http"
	"slices"

	"carelink/internal/config"
	"carelink/internal/core"
	"carelink/internal/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server bundles together the dependencies required by HTTP handlers.  It
// implements http.Handler so it can be passed to http.Server.
type Server struct {
	Coord *core.Coordinator
	Hub   *Hub

	secret   []byte
	origins  []string
	router   chi.Router
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer constructs a Server and its routes.
func NewServer(cfg config.ServerConfig, coord *core.Coordinator, hub *Hub, log zerolog.Logger) *Server {
	s := &Server{
		Coord:   coord,
		Hub:     hub,
		secret:  []byte(cfg.JWTSecret),
		origins: cfg.CORSOrigins,
		router:  chi.NewRouter(),
		log:     logging.Component(log, "http"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ws", s.handleWS)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/session/login", s.handleLogin)
		r.Post("/session/signup", s.handleSignUp)

		r.Group(func(r chi.Router) {
			r.Use(s.requireActor)

			r.Post("/session/logout", s.handleLogout)
			r.Get("/view", s.handleView)

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Post("/", s.handleInitiateCall)
				r.Post("/accept", s.handleAcceptCall)
				r.Post("/end", s.handleEndCall)
				r.Post("/callback", s.handleCallback)
			})

			r.Route("/patients/{id}", func(r chi.Router) {
				r.Get("/messages", s.handleLedger)
				r.Post("/messages", s.handleSendMessage)
				r.Put("/appointment", s.handleBook)
				r.Delete("/appointment", s.handleCancel)
			})

			r.Delete("/replies/{token}", s.handleCancelReply)
		})
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.origins, "*") {
		return true
	}
	return slices.Contains(s.origins, origin)
}
