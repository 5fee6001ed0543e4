// Package gateway wires the weave-gateway components into one process.
//
// # Overview
//
// The Gateway owns the store, the change feed and its listener, the
// delivery service, the pending registry and synchronous bridge, the fan-out
// router, and the HTTP and gRPC servers. New builds everything from
// configuration; Run serves until the context is cancelled.
//
// # HTTP API
//
//   - POST /api/v1/messages - store and signal a message, 202 with ids
//   - POST /api/v1/messages/sync - same, then wait for the workflow's reply
//   - GET /api/v1/history - page through a thread's messages
//   - GET /api/v1/events - server-sent events for one group
//   - GET /api/v1/socket - websocket with subscribe, unsubscribe, send, ping
//   - POST /api/v1/replies - messages emitted by workflows
//   - GET /health, GET /health/ready - liveness and readiness
//   - GET /metrics - Prometheus, when enabled
//
// Every /api/v1 route except replies requires a tenant context from a JWT,
// an API key, or (when allowed) the X-Tenant-ID header. Replies use the
// shared reply token when one is configured.
//
// # Errors
//
// Domain errors map to statuses in statusForError: validation 400, tenant
// boundary 403, duplicate request id 409, timeout 504 with
// {"error":"timeout","status":"timeout"}, caller gone 499, upstream 503.
//
// # Event Stream
//
//	event: subscribed
//	data: {"subscriber_id":"...","workflow_id":"acme:Support:Router","participant_id":"alice","heartbeat_seconds":15}
//
//	event: message
//	data: {"seq":42,"id":"...","direction":"outbound","text":"hello",...}
//
//	: heartbeat
//
// # Socket Frames
//
//	-> {"op":"subscribe","id":"1","workflow":"Support:Router","participant_id":"alice"}
//	<- {"type":"subscribed","id":"1","result":{"workflow_id":"acme:Support:Router","participant_id":"alice"}}
//	-> {"op":"send","id":"2","workflow":"Support:Router","kind":"chat","text":"hi","wait":true}
//	<- {"type":"message","result":{...}}
//	<- {"type":"reply","id":"2","result":{"request_id":"...","reply":{...}}}
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is cancelled and shutdown completes
package gateway
