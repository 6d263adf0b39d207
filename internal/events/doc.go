// Package events provides the topic-keyed event bus that fans long-poll
// events, fragment updates and lifecycle notices out to any number of
// independent subscribers.
//
// The poller publishes without knowing who listens: subscribers register by
// topic with [Bus.Subscribe], for every topic with [Bus.SubscribeAll], or as
// synchronous callbacks with [Bus.On]. A subscriber of one topic is never
// invoked for another.
package events
