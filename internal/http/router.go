package httpapi

import (
	"expvar"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter registers HTTP routes and returns the handler with middleware.
func NewRouter(app *App) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /cart", app.getCartHandler)
	mux.HandleFunc("DELETE /cart", app.clearCartHandler)
	mux.HandleFunc("POST /cart/items", app.addCartItemHandler)
	mux.HandleFunc("PUT /cart/items/{productId}", app.setCartQuantityHandler)
	mux.HandleFunc("DELETE /cart/items/{productId}", app.removeCartItemHandler)

	mux.HandleFunc("POST /sales", app.postSaleHandler)

	mux.HandleFunc("POST /sync", app.postSyncHandler)
	mux.HandleFunc("GET /sync/status", app.syncStatusHandler)
	mux.HandleFunc("GET /sync/runs", app.syncRunsHandler)

	mux.HandleFunc("POST /products", app.createProductHandler)
	mux.HandleFunc("GET /products/{id}", app.getProductHandler)
	mux.HandleFunc("DELETE /products/{id}", app.deactivateProductHandler)

	mux.HandleFunc("GET /healthz", app.healthHandler)
	mux.HandleFunc("GET /debug/metrics", app.metricsHandler)
	mux.Handle("GET /debug/vars", expvar.Handler())
	mux.HandleFunc("GET /openapi.yaml", app.openapiHandler)
	mux.HandleFunc("GET /docs", app.docsHandler)

	// logging sits inside the span so access lines carry the trace id
	return otelhttp.NewHandler(WithRequestID(WithLogging(mux)), "midas-sync",
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/healthz" }))
}
