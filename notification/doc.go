// Package notification decides who hears about an add-on event and delivers
// it to them.
//
// Events arrive through an Ingestor pulling from a queue.Queue. The Engine
// loads the instance's registration and active subscriptions, applies the
// personal and channel rules (MatchPersonal, MatchChannel) and fans the
// resulting notifications out to a Renderer and Deliverer with bounded
// concurrency. A failing subscriber never affects the others.
//
// Service owns subscription changes. The remote instance's notification
// switch for a subscription type is turned on before the first active
// subscription of that type is stored and turned off after the last one goes
// away.
package notification
