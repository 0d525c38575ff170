package transport

import "strings"

// NodeSubject returns the subject all messages addressed to nodeID share as prefix.
func NodeSubject(prefix, nodeID string) string {
	return prefix + "." + sanitizeToken(nodeID)
}

// MessageSubject returns the subject of a message for nodeID about entityID.
//
// The entity id is part of the subject so that per-entity ordering survives
// any future subject-partitioned consumers.
func MessageSubject(prefix, nodeID, entityID string) string {
	return NodeSubject(prefix, nodeID) + "." + sanitizeToken(entityID)
}

// NodeFilter returns the consumer filter subject matching every message for nodeID.
func NodeFilter(prefix, nodeID string) string {
	return NodeSubject(prefix, nodeID) + ".>"
}

// sanitizeToken replaces characters that are not valid in a NATS subject
// token or consumer name with underscore (_).
//
// Rejected characters: whitespace, '.', '*', '>', path separators and
// non-printable characters. An empty token becomes "_".
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' ||
			r == '.' || r == '*' || r == '>' ||
			r == '/' || r == '\\' ||
			r < 32 || r == 127 {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}

	return b.String()
}
