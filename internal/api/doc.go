// Package api exposes the verifier over HTTP: commit and reveal intake, job
// lookup, health and Prometheus metrics.
package api
