package jobstore

import (
	"strings"
)

// DefaultNamespace prefixes every key written by the store.
const DefaultNamespace = "taxcrawl"

// Key fields.
const (
	FieldState     = "state"
	FieldCancel    = "cancel"
	FieldHeartbeat = "heartbeat"
)

// Key identifies one stored value of one job.
type Key struct {
	Namespace string
	JobID     string
	Field     string
}

// String generates a deterministic key.
// Format: <namespace>:job:<jobID>:<field>
//
// Example:
//
//	taxcrawl:job:6f1c...:heartbeat
func (k Key) String() string {
	ns := k.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	parts := []string{ns, "job", k.JobID}
	if k.Field != "" {
		parts = append(parts, k.Field)
	}
	return strings.Join(parts, ":")
}

// IndexKey is the set holding every known job id.
func IndexKey(namespace string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + ":jobs"
}
