package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/handlers"
	"github.com/studyhall/studysync/internal/attachment"
	"github.com/studyhall/studysync/internal/config"
	"github.com/studyhall/studysync/internal/mutate"
	"github.com/studyhall/studysync/internal/presence"
	"github.com/studyhall/studysync/internal/remotelog"
	"github.com/studyhall/studysync/internal/rooms"
	"github.com/studyhall/studysync/internal/stats"
)

// Gateway is the HTTP/websocket front of the sync layer. REST covers
// the room directory and sessions; everything live goes over the
// websocket.
type Gateway struct {
	log            *log.Logger
	rlog           remotelog.RemoteLog
	blobs          attachment.BlobStore
	stats          stats.StatsProvider
	rooms          *rooms.Service
	presence       *presence.Tracker
	composer       *mutate.Composer
	mutator        *mutate.AggregateMutator
	deleter        *mutate.DeletionCoordinator
	mux            *http.Server
	signingKey     []byte
	allowedOrigins []string

	clientsLock sync.Mutex
	clients     map[*Client]struct{}
}

func NewGateway(mux *http.ServeMux, logger *log.Logger, rlog remotelog.RemoteLog, blobs attachment.BlobStore, st stats.StatsProvider, cfg *config.Config) *Gateway {
	g := &Gateway{
		log:            logger,
		rlog:           rlog,
		blobs:          blobs,
		stats:          st,
		rooms:          rooms.NewService(logger, rlog),
		presence:       presence.NewTracker(logger, rlog),
		composer:       mutate.NewComposer(logger, rlog, blobs, st),
		mutator:        mutate.NewAggregateMutator(logger, rlog, st),
		deleter:        mutate.NewDeletionCoordinator(logger, rlog, blobs, st),
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		clients:        make(map[*Client]struct{}),
	}

	mux.HandleFunc("GET /healthz", g.healthCheck)
	mux.HandleFunc("POST /api/session", g.createSession)
	mux.HandleFunc("GET /api/session", g.authMiddleware(g.session))
	mux.HandleFunc("GET /api/auth/logout", g.authMiddleware(g.logout))
	mux.HandleFunc("POST /api/rooms", g.authMiddleware(g.createRoom))
	mux.HandleFunc("GET /api/rooms", g.authMiddleware(g.listRooms))
	mux.HandleFunc("PATCH /api/rooms/{id}", g.authMiddleware(g.updateRoom))
	mux.HandleFunc("POST /api/rooms/join", g.authMiddleware(g.joinRoom))
	mux.HandleFunc("POST /api/rooms/leave", g.authMiddleware(g.leaveRoom))
	mux.HandleFunc("GET /api/presence/{uid}", g.authMiddleware(g.userPresence))
	mux.HandleFunc("GET /api/blobs/{key}", g.authMiddleware(g.getBlob))
	mux.HandleFunc("GET /ws", g.authMiddleware(g.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = g.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	g.mux = srv
	return g
}

func (g *Gateway) Start() error {
	g.log.Printf("starting gateway on %s\n", g.mux.Addr)
	return g.mux.ListenAndServe()
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	g.log.Println("shutting down gateway...")

	g.clientsLock.Lock()
	for c := range g.clients {
		c.stopClient()
	}
	g.clientsLock.Unlock()

	if err := g.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

func (g *Gateway) registerClient(c *Client) {
	g.clientsLock.Lock()
	defer g.clientsLock.Unlock()

	g.clients[c] = struct{}{}
	g.stats.Incr(stats.ActiveClients)
}

func (g *Gateway) deregisterClient(c *Client) {
	g.clientsLock.Lock()
	defer g.clientsLock.Unlock()

	if _, ok := g.clients[c]; ok {
		delete(g.clients, c)
		g.stats.Decr(stats.ActiveClients)
	}
}

func (g *Gateway) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		g.log.Printf("write health response: %v", err)
	}
}

func (g *Gateway) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.log.Printf("json encode: %v", err)
	}
}

func (g *Gateway) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				g.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				g.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenCookie, err := r.Cookie(tokenCookieKey)
		if err != nil {
			errResp := NewUnauthorizedError()
			g.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		tokenString := tokenCookie.Value
		userId, err := g.extractUserIdFromToken(tokenString)
		if err != nil {
			g.log.Printf("failed to extract user id from token: %v", err)
			errResp := NewUnauthorizedError()
			g.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithUserId(r.Context(), userId)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}
