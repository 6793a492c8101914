package feed

// SyncOutcome is the result of comparing a fetched channel against the
// stored snapshot of the same channel.
type SyncOutcome struct {
	// NewEntries are the fetched entries whose identity is not yet
	// stored, in the order the feed listed them. Empty means no change.
	NewEntries []Entry
}

// Unchanged reports whether the synchronization found nothing new.
func (o SyncOutcome) Unchanged() bool {
	return len(o.NewEntries) == 0
}

// Synchronize computes which entries of fetched are new relative to
// stored.
//
// When both channels carry a build date and the stored one is not older,
// the entries are not inspected at all. This trusts the source to bump
// its build date monotonically; a feed that reuses or regresses the
// stamp will have genuinely new entries silently missed. Known
// limitation, deliberately not corrected here.
func Synchronize(stored, fetched *Channel) SyncOutcome {
	if stored.LastBuildDate != nil && fetched.LastBuildDate != nil &&
		!stored.LastBuildDate.Before(*fetched.LastBuildDate) {
		return SyncOutcome{}
	}

	known := make(map[string]struct{}, len(stored.Entries))
	for _, e := range stored.Entries {
		known[e.Identity] = struct{}{}
	}

	var outcome SyncOutcome
	for _, e := range fetched.Entries {
		if _, ok := known[e.Identity]; !ok {
			outcome.NewEntries = append(outcome.NewEntries, e)
		}
	}
	return outcome
}
