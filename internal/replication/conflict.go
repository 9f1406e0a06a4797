package replication

import "go.mongodb.org/mongo-driver/bson"

// ConflictOutcome reports which side of a replication conflict wins.
type ConflictOutcome struct {
	RemoteWins bool
}

// resolveConflict compares two versions of a document using
// updatedAt falling back to createdAt as the logical clock. Ties break on
// lastModifiedBy ordering so two instances never oscillate.
func resolveConflict(local, remote bson.M) ConflictOutcome {
	if local == nil {
		return ConflictOutcome{RemoteWins: true}
	}
	if remote == nil {
		return ConflictOutcome{RemoteWins: false}
	}

	localClock := documentClock(local)
	remoteClock := documentClock(remote)

	switch {
	case remoteClock > localClock:
		return ConflictOutcome{RemoteWins: true}
	case remoteClock < localClock:
		return ConflictOutcome{RemoteWins: false}
	}

	// Equal clocks: lexicographically greater writer wins deterministically.
	return ConflictOutcome{RemoteWins: modifierOf(remote) > modifierOf(local)}
}

func documentClock(document bson.M) int64 {
	if updated := numericField(document, "updatedAt"); updated != 0 {
		return updated
	}
	return numericField(document, "createdAt")
}

func modifierOf(document bson.M) string {
	for _, key := range []string{"lastModifiedBy", "instanceId"} {
		if value, ok := document[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func numericField(document bson.M, key string) int64 {
	switch value := document[key].(type) {
	case int64:
		return value
	case int32:
		return int64(value)
	case int:
		return int64(value)
	case float64:
		return int64(value)
	default:
		return 0
	}
}
