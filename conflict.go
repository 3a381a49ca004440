package satchel

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ConflictStrategy selects how divergent local and remote copies of a record
// are reconciled. Every strategy is total and deterministic for identical
// inputs.
type ConflictStrategy string

const (
	// StrategyServerWins takes the server copy outright.
	StrategyServerWins ConflictStrategy = "server_wins"
	// StrategyClientWins takes the client copy outright.
	StrategyClientWins ConflictStrategy = "client_wins"
	// StrategyTimestampBased takes whichever copy carries the newer
	// timestamp; a record with no timestamp loses to one that has one, and
	// the server wins when neither carries a timestamp.
	StrategyTimestampBased ConflictStrategy = "timestamp_based"
	// StrategyMerge starts from the server copy, adopts client-only fields,
	// and resolves shared timestamp-like fields toward the later instant.
	StrategyMerge ConflictStrategy = "merge"
	// StrategyManual returns the server copy as a provisional placeholder
	// and flags the record for external adjudication.
	StrategyManual ConflictStrategy = "manual"
	// StrategyUserChoice is an alias for manual adjudication.
	StrategyUserChoice ConflictStrategy = "user_choice"
)

// ConflictRecord is the outcome of one resolution call. It is write-once;
// the resolver also appends it to the integrity log.
type ConflictRecord struct {
	Key                  string           `json:"key"`
	ServerVersion        Document         `json:"server_version"`
	ClientVersion        Document         `json:"client_version"`
	Resolved             Document         `json:"resolved"`
	ConflictingFields    []string         `json:"conflicting_fields"`
	ResolvedAt           time.Time        `json:"resolved_at"`
	Strategy             ConflictStrategy `json:"strategy"`
	RequiresAdjudication bool             `json:"requires_adjudication,omitempty"`
}

// Final returns the resolved document once the resolution is binding. While
// the record is a provisional placeholder from a manual strategy it returns
// ErrAdjudicationRequired instead.
func (r *ConflictRecord) Final() (Document, error) {
	if r.RequiresAdjudication {
		return nil, fmt.Errorf("conflict on %q: %w", r.Key, ErrAdjudicationRequired)
	}
	return r.Resolved, nil
}

// ConflictResolver reconciles local and remote copies of the same logical
// record.
type ConflictResolver struct {
	log *IntegrityLog
	now func() time.Time
}

// NewConflictResolver creates a resolver that audits resolutions to the
// given integrity log. A nil log disables auditing.
func NewConflictResolver(log *IntegrityLog) *ConflictResolver {
	return &ConflictResolver{log: log, now: time.Now}
}

// Resolve produces one resolved document from a server and a client copy.
// Manual strategies return the server copy provisionally with
// RequiresAdjudication set; the result must not be treated as final until
// adjudicated.
func (cr *ConflictResolver) Resolve(ctx context.Context, key string, server, client Document, strategy ConflictStrategy) (*ConflictRecord, error) {
	record := &ConflictRecord{
		Key:               key,
		ServerVersion:     server,
		ClientVersion:     client,
		ConflictingFields: conflictingFields(server, client),
		ResolvedAt:        cr.now().UTC(),
		Strategy:          strategy,
	}

	switch strategy {
	case StrategyServerWins:
		record.Resolved = server.Clone()
	case StrategyClientWins:
		record.Resolved = client.Clone()
	case StrategyTimestampBased:
		record.Resolved = resolveByTimestamp(server, client)
	case StrategyMerge:
		record.Resolved = mergeDocuments(server, client)
	case StrategyManual, StrategyUserChoice:
		record.Resolved = server.Clone()
		record.RequiresAdjudication = true
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}

	if cr.log != nil {
		cr.log.Append(ctx, EventConflictResolution, key,
			fmt.Sprintf("strategy=%s conflicting_fields=%d adjudication=%t",
				strategy, len(record.ConflictingFields), record.RequiresAdjudication))
	}
	return record, nil
}

// conflictingFields returns the sorted set of top-level fields whose values
// differ between the two copies. Timestamp-like fields are expected to
// differ and are excluded; a field present on only one side counts as
// conflicting.
func conflictingFields(server, client Document) []string {
	seen := make(map[string]bool)
	var out []string
	check := func(field string) {
		if seen[field] || isTimestampField(field) {
			return
		}
		seen[field] = true
		sv, sok := server[field]
		cv, cok := client[field]
		if sok != cok || !valuesEqual(sv, cv) {
			out = append(out, field)
		}
	}
	for field := range server {
		check(field)
	}
	for field := range client {
		check(field)
	}
	sort.Strings(out)
	return out
}

// resolveByTimestamp picks the copy with the newer timestamp. A side without
// any timestamp loses; the server wins ties and the no-timestamp case.
func resolveByTimestamp(server, client Document) Document {
	serverTS, serverOK := server.Timestamp()
	clientTS, clientOK := client.Timestamp()
	switch {
	case !serverOK && !clientOK:
		return server.Clone()
	case !clientOK:
		return server.Clone()
	case !serverOK:
		return client.Clone()
	case clientTS.After(serverTS):
		return client.Clone()
	default:
		return server.Clone()
	}
}

// mergeDocuments starts from the server copy. Fields present only on the
// client are adopted. Fields present on both sides that are timestamp-like
// take whichever instant is later, along with the owning side's value.
func mergeDocuments(server, client Document) Document {
	merged := server.Clone()
	if merged == nil {
		merged = Document{}
	}
	for field, clientValue := range client {
		serverValue, onServer := merged[field]
		if !onServer {
			merged[field] = cloneValue(clientValue)
			continue
		}
		if !isTimestampField(field) {
			continue
		}
		serverTS, sok := parseTimestamp(serverValue)
		clientTS, cok := parseTimestamp(clientValue)
		if cok && (!sok || clientTS.After(serverTS)) {
			merged[field] = cloneValue(clientValue)
		}
	}
	return merged
}

func cloneValue(v any) any {
	doc := Document{"v": v}.Clone()
	if doc == nil {
		return v
	}
	return doc["v"]
}
