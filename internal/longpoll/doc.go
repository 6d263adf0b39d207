// Package longpoll maintains a strictly sequential long-poll loop against a
// server-side event queue.
//
// Each request carries the queue key and a sequence number that increases
// by one on every attempt. A delivered payload names an event key and
// carries opaque event data; the [Manager] publishes it to subscribers of
// that key. Consecutive transport failures are retried after a fixed delay
// up to a cap, after which the manager halts until it is run again.
package longpoll
