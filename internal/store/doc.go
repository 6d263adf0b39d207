// Package store holds the current view of every synchronized fragment.
//
// The refresh tasks write fragments after each state change or applied
// payload; the HTTP server reads them for the REST API and for replaying
// state to newly connected SSE clients. Every update is also published on
// the event bus under [FragmentTopic].
package store
