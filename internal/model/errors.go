package model

import "errors"

var (
	// ErrConnectionNotFound is returned when a ledger record is not found.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrRouteRequired is returned when a ledger record is missing the route.
	ErrRouteRequired = errors.New("route is required")
)
