// Package server exposes the event broker over HTTP using Echo.
//
// Routes: index page, WebSocket endpoint (/ws/), health probes, version and Prometheus metrics.
// Each WebSocket is bridged to the broker by an eventbus.Connection over a wsStream.
package server
