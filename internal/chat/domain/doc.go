// Package domain holds the chat session, participant, and message records
// together with their status state machines. All state transitions are
// forward-only and expressed as pure functions so stores and services can
// enforce them without sharing mutable state.
package domain
