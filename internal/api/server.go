// Package api is the HTTP surface for applications: endpoints,
// subscriptions, and the record of webhooks sent to them.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/serverutil"
	"github.com/jdholdren/feedhook/internal/subscription"
	"github.com/jdholdren/feedhook/internal/syncer"
)

type (
	// Service is what the handlers need from subscription management.
	Service interface {
		CreateEndpoint(ctx context.Context, args subscription.CreateEndpointArgs) (feedhook.Endpoint, error)
		CreateSubscription(ctx context.Context, args subscription.CreateSubscriptionArgs) (feedhook.Subscription, error)
		Subscription(ctx context.Context, applicationID, id feedhook.ID) (feedhook.Subscription, error)
		Subscriptions(ctx context.Context, applicationID feedhook.ID, limit, offset int) ([]feedhook.Subscription, error)
		RemoveSubscription(ctx context.Context, applicationID, id feedhook.ID) error
		Webhooks(ctx context.Context, args feedhook.WebhooksArgs) ([]feedhook.Webhook, error)
		TriggerSync(ctx context.Context, feedID feedhook.ID) (syncer.Result, error)
	}

	Pinger interface {
		Ping(ctx context.Context) error
	}

	Server struct {
		*http.Server

		svc    Service
		pinger Pinger
	}

	ServerConfig struct {
		Port int
		// Origins allowed to call the API from a browser.
		CorsOrigins []string
	}
)

func NewServer(config ServerConfig, svc Service, pinger Pinger) *Server {
	r := serverutil.ErrRouter{Router: mux.NewRouter()}

	srvr := Server{
		svc:    svc,
		pinger: pinger,
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			Handler: handlers.CORS(
				handlers.AllowedOrigins(config.CorsOrigins),
				handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
				handlers.AllowedHeaders([]string{"content-type"}),
			)(r),
		},
	}

	r.Use(serverutil.AccessLogMiddleware) // Log everything
	r.HandleFuncE("/healthz", srvr.getHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	apps := serverutil.ErrRouter{Router: r.PathPrefix("/v1/applications/{applicationID}").Subrouter()}
	apps.HandleFuncE("/endpoints", srvr.postEndpoints).Methods(http.MethodPost)
	apps.HandleFuncE("/subscriptions", srvr.postSubscriptions).Methods(http.MethodPost)
	apps.HandleFuncE("/subscriptions", srvr.getSubscriptions).Methods(http.MethodGet)
	apps.HandleFuncE("/subscriptions/{id}", srvr.getSubscription).Methods(http.MethodGet)
	apps.HandleFuncE("/subscriptions/{id}", srvr.deleteSubscription).Methods(http.MethodDelete)
	apps.HandleFuncE("/webhooks", srvr.getWebhooks).Methods(http.MethodGet)

	r.HandleFuncE("/v1/feeds/{id:[0-9a-fA-F]{24}}:sync", srvr.postFeedSync).Methods(http.MethodPost)

	slog.Debug("configured api server", "port", config.Port)

	return &srvr
}

func (s Server) getHealth(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.pinger.Ping(ctx); err != nil {
		slog.ErrorContext(ctx, "health check failed", "error", err)
		return serverutil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
	}

	return serverutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pathID parses the named path variable as an id.
func pathID(r *http.Request, name string) (feedhook.ID, error) {
	id, err := feedhook.ParseID(mux.Vars(r)[name])
	if err != nil {
		return feedhook.ID{}, fmt.Errorf("bad %s: %w", name, err)
	}

	return id, nil
}
