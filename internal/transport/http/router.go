package httptransport

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"duoplay/internal/config"
	"duoplay/internal/ledger"
	"duoplay/internal/rendezvous"
	"duoplay/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// JournalReader is the read side of the ledger journal.
type JournalReader interface {
	ListLedgerEntries(ctx context.Context, f store.LedgerFilter, limit, offset int) ([]ledger.Entry, error)
	Ping(ctx context.Context) error
}

// Deps are the collaborators the inspector and admin routes read from.
// Journal and Reap are optional.
type Deps struct {
	Store    rendezvous.Store
	Ledger   *ledger.Ledger
	Journal  JournalReader
	Game     config.GameConfig
	AdminKey string
	Reap     func(ctx context.Context) (int, error)
}

func NewRouter(d Deps) *chi.Mux {
	storeHandlers := NewStoreHandlers(d.Store)
	adminHandlers := NewAdminHandlers(d)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.With(APILogMiddleware()).Get("/healthz", adminHandlers.Health())
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(APILogMiddleware())
		r.Get("/store/*", storeHandlers.Snapshot())
		r.Get("/watch", storeHandlers.Watch())

		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuthMiddleware(d.AdminKey))
			r.Use(BodyCaptureMiddleware(4096))
			r.Post("/sweep", adminHandlers.Sweep())
			r.Get("/ledger", adminHandlers.Ledger())
			r.Post("/grant", adminHandlers.Grant())
			r.Get("/debug/vars", expvar.Handler().ServeHTTP)
		})
	})
	return r
}

func LogRoutes(r chi.Router) {
	type routeDef struct {
		Method string
		Path   string
	}
	routes := make([]routeDef, 0, 16)
	err := chi.Walk(r, func(method string, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, routeDef{Method: method, Path: route})
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("walk routes failed")
		return
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path == routes[j].Path {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Path < routes[j].Path
	})
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Registered routes (%d):\n", len(routes)))
	for _, rt := range routes {
		b.WriteString(fmt.Sprintf("  %-6s %s\n", rt.Method, rt.Path))
	}
	fmt.Print(b.String())
}
