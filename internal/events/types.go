// Package events provides event types and utilities for the AgentDeck event system.
package events

import "encoding/json"

// Event types for sessions (global UI plane)
const (
	SessionCreated = "session.created"
	SessionUpdated = "session.updated"
	SessionDeleted = "session.deleted"
)

// Event types for per-session traffic (session plane)
const (
	SessionEnvelope   = "session.envelope"   // One persisted envelope
	SessionState      = "session.state"      // State or is_processing change
	SessionPermission = "session.permission" // Permission request awaiting a decision
	SessionPermDone   = "session.permdone"   // Permission decision applied
	SessionInterrupt  = "session.interrupt"  // Interrupt accepted
)

// BuildEnvelopeSubject creates an envelope subject for a specific session
func BuildEnvelopeSubject(sessionID string) string {
	return SessionEnvelope + "." + sessionID
}

// BuildEnvelopeWildcardSubject creates a wildcard subscription for all envelope events
func BuildEnvelopeWildcardSubject() string {
	return SessionEnvelope + ".*"
}

// BuildStateSubject creates a state subject for a specific session
func BuildStateSubject(sessionID string) string {
	return SessionState + "." + sessionID
}

// BuildStateWildcardSubject creates a wildcard subscription for all state events
func BuildStateWildcardSubject() string {
	return SessionState + ".*"
}

// BuildPermissionSubject creates a permission subject for a specific session
func BuildPermissionSubject(sessionID string) string {
	return SessionPermission + "." + sessionID
}

// BuildPermissionWildcardSubject creates a wildcard subscription for all permission events
func BuildPermissionWildcardSubject() string {
	return SessionPermission + ".*"
}

// BuildPermDoneSubject creates a permission decision subject for a specific session
func BuildPermDoneSubject(sessionID string) string {
	return SessionPermDone + "." + sessionID
}

// BuildPermDoneWildcardSubject creates a wildcard subscription for all permission decisions
func BuildPermDoneWildcardSubject() string {
	return SessionPermDone + ".*"
}

// BuildInterruptSubject creates an interrupt subject for a specific session
func BuildInterruptSubject(sessionID string) string {
	return SessionInterrupt + "." + sessionID
}

// BuildInterruptWildcardSubject creates a wildcard subscription for all interrupt events
func BuildInterruptWildcardSubject() string {
	return SessionInterrupt + ".*"
}

// ToMap converts a JSON-marshalable value into the map form carried by bus
// events. Payloads cross the bus as JSON either way (the NATS transport
// marshals the whole event), so a round trip here keeps in-memory and NATS
// delivery shapes identical for subscribers.
func ToMap(v any) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Decode unmarshals an event data map into dst.
func Decode(data map[string]interface{}, dst any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
