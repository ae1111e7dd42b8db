package ingress

import "errors"

var (
	// ErrValidation marks requests that failed authentication or replay checks
	ErrValidation = errors.New("request validation failed")
	// ErrRateLimited marks requests refused by the rate limiter or spam filter
	ErrRateLimited = errors.New("sender rate limited")
	// ErrProcessing marks updates the bot runtime could not process
	ErrProcessing = errors.New("update processing failed")
	// ErrShuttingDown is returned once the server started draining
	ErrShuttingDown = errors.New("server shutting down")
)
