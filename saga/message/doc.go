// Package message defines the wire envelope exchanged between the saga
// orchestrator and participant services, and the step outcome payload carried
// by participant events.
package message
