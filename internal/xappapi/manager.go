// Package xappapi exposes the Subscription Manager and Router's operations
// to xApps: a direct Go interface for in-process embedding, and a WebSocket
// + JSON surface for out-of-process xApps.
package xappapi

import (
	"context"
	"time"

	"ranic/e2tc/internal/router"
	"ranic/e2tc/internal/subscription"
)

// Manager is the in-process half of the xApp API: any type whose method set
// matches this (notably *core.Core) satisfies it without either package
// importing the other. Every subscription operation names the calling xApp;
// the implementation enforces that only the creating xApp may modify or
// delete a subscription.
type Manager interface {
	Create(ctx context.Context, xappID, nodeID string, functionID int, trigger subscription.EventTrigger, actions []subscription.Action) (*subscription.Subscription, error)
	Modify(ctx context.Context, xappID, subscriptionID string, trigger subscription.EventTrigger, actions []subscription.Action) error
	Delete(ctx context.Context, xappID, subscriptionID string) error
	List(nodeID string) []*subscription.Subscription
	ControlRequest(ctx context.Context, nodeID string, functionID int, header, message []byte, ack bool, deadline time.Duration) (router.ControlOutcome, error)
}
