package match

import (
	"time"

	"github.com/roach88/matchsync/internal/engine"
	"github.com/roach88/matchsync/internal/outbox"
)

// TempIDPrefix marks ids of matches not yet confirmed by the server.
const TempIDPrefix = "temp-"

// IsTemporaryID reports whether id was assigned locally.
func IsTemporaryID(id string) bool {
	return len(id) > len(TempIDPrefix) && id[:len(TempIDPrefix)] == TempIDPrefix
}

// NewSynthesizer returns an engine.Synthesizer that builds one provisional
// match per record, with a temp- id and a local created_at.
// A nil ids uses UUIDv7; a nil now uses time.Now.
func NewSynthesizer(ids outbox.IDGenerator, now func() time.Time) engine.Synthesizer {
	if ids == nil {
		ids = outbox.UUIDv7Generator{}
	}
	if now == nil {
		now = time.Now
	}
	return func(entryID string, payload []outbox.Record) []engine.Provisional {
		out := make([]engine.Provisional, 0, len(payload))
		for _, rec := range payload {
			tempID := TempIDPrefix + ids.Generate()

			m, err := FromRecord(rec)
			if err != nil {
				// Opaque record; show it as-is.
				r := rec.Clone()
				r["id"] = tempID
				out = append(out, engine.Provisional{TempID: tempID, Record: r})
				continue
			}
			m = m.Normalize()
			m.ID = tempID
			m.CreatedAt = now().UTC().Format(time.RFC3339)

			r, err := m.Record()
			if err != nil {
				r = rec.Clone()
				r["id"] = tempID
			}
			out = append(out, engine.Provisional{TempID: tempID, Record: r})
		}
		return out
	}
}
