// Package api serves the coven-chat HTTP surface.
//
// Routes, all JSON:
//
//	GET  /health                          liveness
//	GET  /health/ready                    store ping, 503 when unreachable
//	GET  /metrics                         Prometheus, when enabled
//	GET  /ws/conversations/{id}           chat WebSocket (see package session)
//	GET  /api/conversations               caller's conversations, most recent first
//	POST /api/conversations               get-or-create by participant set
//	GET  /api/conversations/{id}          history; marks others' messages read
//	POST /api/conversations/{id}/messages send a message
//	GET  /api/notifications               caller's notifications, newest first
//
// Callers authenticate with a bearer token. Errors share one envelope:
//
//	{"message": "Validation failed.", "errors": {"participant_ids": "..."}}
//
// Conversations the caller is not part of are reported as not found.
package api
