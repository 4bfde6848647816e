package annotation

// Merge reconciles a replica's local annotation list against a remote
// snapshot. It is pure and deterministic: no I/O, no mutation of its inputs.
//
// Remote tombstones win over any local copy regardless of timestamps. When
// both sides hold an annotation at the same position key the greater
// effective timestamp wins, with ties kept local. Remote-only annotations
// survive unless they are locally tombstoned, so a pull that races ahead of
// the push carrying the deletion cannot resurrect them.
//
// The result order is local survivors followed by remote-only survivors;
// callers re-sort for display. Runs in O(len(local)+len(remote)).
func Merge(local, remote []Annotation, remoteTombstones, localTombstones *TombstoneSet) []Annotation {
	remoteByKey := make(map[string]int, len(remote))
	for index, item := range remote {
		remoteByKey[item.PositionKey()] = index
	}

	consumedKeys := make(map[string]struct{}, len(remote))
	merged := make([]Annotation, 0, len(local)+len(remote))

	for _, item := range local {
		if remoteTombstones.Contains(item.ID()) {
			continue
		}
		key := item.PositionKey()
		remoteIndex, matched := remoteByKey[key]
		if !matched {
			merged = append(merged, item)
			continue
		}
		// Consume the key so duplicate position keys resolve through a
		// single conflict slot instead of re-matching the same remote entry.
		delete(remoteByKey, key)
		consumedKeys[key] = struct{}{}
		counterpart := remote[remoteIndex]
		if counterpart.EffectiveTime() > item.EffectiveTime() {
			merged = append(merged, counterpart)
		} else {
			merged = append(merged, item)
		}
	}

	for _, item := range remote {
		if _, taken := consumedKeys[item.PositionKey()]; taken {
			continue
		}
		if localTombstones.Contains(item.ID()) {
			continue
		}
		merged = append(merged, item)
	}

	return merged
}
