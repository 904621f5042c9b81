package obs

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// annotations is shared by all layers serving one request. Handlers below the
// router fill in the order and gateway channel; the outer middleware reads them
// once ServeHTTP returns.
type annotations struct {
	mu      sync.Mutex
	route   string
	orderID string
	channel string
}

type annotationsKey struct{}

func annotationsFrom(ctx context.Context) *annotations {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(annotationsKey{}).(*annotations)
	return a
}

// WithRoutePattern records the matched router pattern on the context.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	a := annotationsFrom(ctx)
	if a == nil {
		a = &annotations{}
		ctx = context.WithValue(ctx, annotationsKey{}, a)
	}
	a.mu.Lock()
	a.route = pattern
	a.mu.Unlock()
	return ctx
}

// RoutePatternFromContext returns the recorded route pattern, if any.
func RoutePatternFromContext(ctx context.Context) string {
	a := annotationsFrom(ctx)
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.route
}

// TagOrder attaches the order a gateway notification refers to, and the channel
// it arrived on, to the request's log line and span. No-op outside
// RoutePatternMiddleware.
func TagOrder(ctx context.Context, orderID, channel string) {
	a := annotationsFrom(ctx)
	if a == nil {
		return
	}
	a.mu.Lock()
	a.orderID = orderID
	a.channel = channel
	a.mu.Unlock()
}

// OrderTag returns the values set by TagOrder.
func OrderTag(ctx context.Context) (orderID, channel string) {
	a := annotationsFrom(ctx)
	if a == nil {
		return "", ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orderID, a.channel
}

// routeOf resolves the route label for r. chi only knows the full pattern after
// routing, so this is meant to be called after next.ServeHTTP.
func routeOf(r *http.Request, fallback string) string {
	if route := RoutePatternFromContext(r.Context()); route != "" {
		return route
	}
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return fallback
}
