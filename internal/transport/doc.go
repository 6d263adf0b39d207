// Package transport is the HTTP shim shared by the long-poll manager and the
// refresh tasks.
//
// [Client.Fetch] issues a single request and folds failures into the
// returned [Response]; [Client.Call] invokes a named read-only remote
// operation and turns non-2xx answers into a [*StatusError]. The underlying
// HTTP implementation is injectable through [WithDoer].
package transport
