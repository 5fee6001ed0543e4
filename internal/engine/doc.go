// Package engine is the client side of the workflow orchestration engine.
//
// The gateway only ever signals a workflow instance with a message; the
// engine's replies come back through the reply ingress endpoint and are
// persisted like any other message. HTTPClient talks to a real engine,
// Echo is a development engine that answers every message itself.
package engine
