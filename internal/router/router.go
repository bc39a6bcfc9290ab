package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"eventrelay/internal/app/orders"
	"eventrelay/internal/handler/http/ops"
	http_orders "eventrelay/internal/handler/http/orders"
)

type Options struct {
	AllowedOrigins []string
	Orders         orders.OrderService
	Ops            *ops.Handler
}

func NewRouter(opts Options, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Link"},
		MaxAge:         300,
	}))

	if opts.Ops != nil {
		ops.RegisterRoutes(r, opts.Ops)
	}
	if opts.Orders != nil {
		http_orders.RegisterRoutes(r, opts.Orders, logger)
	}
	return r
}
