package router

import (
	"context"

	"github.com/richardliu001/esb-service/internal/model"
)

// RouteConfirmer delivers confirmations by routing the message to a fixed
// downstream destination.
type RouteConfirmer struct {
	router      Router
	destination string
}

// NewRouteConfirmer returns RouteConfirmer.
func NewRouteConfirmer(r Router, destination string) *RouteConfirmer {
	return &RouteConfirmer{router: r, destination: destination}
}

// Confirm publishes the message's final state to the confirmation route.
func (c *RouteConfirmer) Confirm(ctx context.Context, msg *model.Message) error {
	return c.router.Route(ctx, c.destination, msg, nil)
}
