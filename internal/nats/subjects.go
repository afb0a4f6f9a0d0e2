package nats

import (
	"fmt"
	"strings"
)

// Subject hierarchy for fleet traffic.
//
//	fleet.work.{host}        -- work items for one node (JetStream, work-queue)
//	fleet.results            -- run events reported by workers (JetStream)
//	fleet.nodes.register     -- node announcements (core NATS)
const (
	StreamName    = "FLEET"
	SubjectPrefix = "fleet"

	AnnounceSubject = "fleet.nodes.register"

	// KV bucket names
	BucketLiveness = "fleet-liveness"
	BucketCancel   = "fleet-cancel"

	resultsConsumer = "fleet-results"
)

// WorkSubject returns the subject a node consumes its work from.
// Example: fleet.work.worker-01
func WorkSubject(hostname string) string {
	return fmt.Sprintf("%s.work.%s", SubjectPrefix, subjectToken(hostname))
}

// WorkAllSubject returns the wildcard subject for all work items.
func WorkAllSubject() string {
	return fmt.Sprintf("%s.work.>", SubjectPrefix)
}

// ResultsSubject returns the subject run events are published on.
func ResultsSubject() string {
	return fmt.Sprintf("%s.results", SubjectPrefix)
}

// ConsumerName returns the durable consumer name for a node's work subject.
func ConsumerName(hostname string) string {
	return fmt.Sprintf("fleet-worker-%s", subjectToken(hostname))
}

// subjectToken makes a hostname usable as a single subject token and as a
// durable consumer name: dots, wildcards and whitespace become '_'.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
