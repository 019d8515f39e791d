package email

import "sort"

// seqMap tracks the sequence number to UID mapping of a selected mailbox.
// Sequence number n is uids[n-1].
type seqMap struct {
	uids []uint32
}

func (m *seqMap) reset(uids []uint32) {
	sorted := append([]uint32(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	m.uids = sorted
}

func (m *seqMap) len() int {
	return len(m.uids)
}

func (m *seqMap) uid(seq uint32) (uint32, bool) {
	if seq == 0 || int(seq) > len(m.uids) {
		return 0, false
	}
	return m.uids[seq-1], true
}

// expunge removes seq and shifts the following messages down by one
func (m *seqMap) expunge(seq uint32) (uint32, bool) {
	uid, ok := m.uid(seq)
	if !ok {
		return 0, false
	}
	m.uids = append(m.uids[:seq-1], m.uids[seq:]...)
	return uid, true
}

// diff compares the tracked UIDs with a fresh listing
func (m *seqMap) diff(current []uint32) (added, removed []uint32) {
	known := make(map[uint32]struct{}, len(m.uids))
	for _, uid := range m.uids {
		known[uid] = struct{}{}
	}
	seen := make(map[uint32]struct{}, len(current))
	for _, uid := range current {
		seen[uid] = struct{}{}
		if _, ok := known[uid]; !ok {
			added = append(added, uid)
		}
	}
	for _, uid := range m.uids {
		if _, ok := seen[uid]; !ok {
			removed = append(removed, uid)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	return added, removed
}
