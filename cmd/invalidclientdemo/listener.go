package main

import (
	"github.com/hydro78704/invalidation-client/client"
	"github.com/hydro78704/invalidation-client/internal/logger"
)

// demoListener logs every upcall and acks immediately; a real embedding
// application would instead invalidate its own cache entries before
// acking.
type demoListener struct{}

func (demoListener) Invalidate(inv client.Invalidation, ack *client.AckHandle) {
	logger.Info("invalidation", "source", inv.ObjectID.Source, "name", inv.ObjectID.Name, "version", inv.Version)
	ack.Ack()
}

func (demoListener) InvalidateAll(ack *client.AckHandle) {
	logger.Info("invalidate-all: treating every registered object as stale")
	ack.Ack()
}

func (demoListener) RegistrationLost(id client.ObjectID, ack *client.AckHandle) {
	logger.Warn("registration lost", "source", id.Source, "name", id.Name)
	ack.Ack()
}

func (demoListener) AllRegistrationsLost(ack *client.AckHandle) {
	logger.Warn("all registrations lost, redriving desired set")
	ack.Ack()
}
