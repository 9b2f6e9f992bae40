// Package server implements the HTTP API of the shop backend: catalogue,
// cart, checkout, payments, notifications and the admin dashboard. It wires
// the routes to their dependencies (database, image storage, payment
// gateway, realtime hub) and provides the lifecycle helpers used by
// cmd/backend.
package server
