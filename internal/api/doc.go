// Package api exposes the crew-control tool surface over HTTP JSON.
//
// Handlers stay thin: decode the request, call the owning service, and map
// the error taxonomy onto HTTP status codes. All authorization and lifecycle
// policy lives in the services.
package api
