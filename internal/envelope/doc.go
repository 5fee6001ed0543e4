// Package envelope defines the message envelope exchanged between callers
// and workflow instances, the subscriber group key derived from it, and the
// error taxonomy shared by every entry point.
//
// Participant ids are canonicalized once, when an envelope is normalized.
// Entry points construct envelopes with New or call Normalize before
// handing them to the delivery layer; nothing downstream re-cases ids.
package envelope
