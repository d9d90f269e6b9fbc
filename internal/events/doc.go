// Package events provides the lifecycle event bus: pub/sub fan-out of
// transient events to in-process subscriber callbacks, transported over
// broker pub/sub channels named deterministically from the event type.
package events
