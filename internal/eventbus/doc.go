// Package eventbus implements the channel broker and the per-connection actors using the actor pattern.
//
// The Broker owns the channel registry in a single goroutine fed by a command channel, so every
// subscribe, unsubscribe, publish and disconnect is applied in one total order without locks.
// Each Connection bridges one client Stream to the Broker: a reader goroutine turns client commands
// into broker requests and a writer goroutine drains the connection's bounded outbox in order.
// Delivery never blocks the Broker; a subscriber whose outbox is full is evicted.
package eventbus
