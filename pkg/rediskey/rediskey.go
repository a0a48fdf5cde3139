package rediskey

import "fmt"

// Key conventions shared by the engine and the worker.
const (
	AssignmentViewsPrefix = "assignment:views"
	AssignmentViewsDirty  = "assignment:views:dirty"
	SequencePrefix        = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildAssignmentViewsKey returns "assignment:views:{assignmentID}"
func BuildAssignmentViewsKey(assignmentID string) string {
	return NamespaceKey(AssignmentViewsPrefix, assignmentID)
}

// BuildSequenceKey returns "seq:{prefix}:{day}"
func BuildSequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, NamespaceKey(prefix, day))
}
