// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/events/ws and receive every dataset and stage
// event, optionally filtered to one dataset with ?dataset=<id>.
package websocket
