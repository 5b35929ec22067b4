// Package registry selects the delivery endpoint for a message.
package registry

import (
	"errors"

	"wanotify/internal/model"
)

// ErrEndpointNotFound is recorded verbatim as the message's error detail
// when no active endpoint can serve it.
var ErrEndpointNotFound = errors.New("no endpoint")

// Resolve picks the endpoint for the requested purpose: first active
// endpoint whose purpose matches exactly, then the first active "outgoing"
// endpoint as a fallback. Selection is pure and stable: the same endpoint
// slice and purpose always yield the same result.
func Resolve(purpose string, endpoints []model.Endpoint) (model.Endpoint, error) {
	for _, e := range endpoints {
		if e.Active && e.Purpose == purpose {
			return e, nil
		}
	}
	for _, e := range endpoints {
		if e.Active && e.Purpose == model.KindOutgoing {
			return e, nil
		}
	}
	return model.Endpoint{}, ErrEndpointNotFound
}
