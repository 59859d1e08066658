package models

import "github.com/google/uuid"

// Namespace for name-based identifiers. Changing it changes every derived id.
var idNamespace = uuid.MustParse("6f1c5d0e-8a43-4c2b-9f57-3b2e7d1a9c40")

// NameID derives a stable identifier from its parts, so the same inputs
// always produce the same id across repeated job deliveries.
func NameID(parts ...string) string {
	name := ""
	for i, p := range parts {
		if i > 0 {
			name += "\x1f"
		}
		name += p
	}
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// JobID returns the queue id for a job of the given type on a dataset.
func JobID(jobType, datasetKey string) string {
	return NameID("job", jobType, datasetKey)
}
