package clusterinfo

// SlotMap is a dense slot to node index built once per topology snapshot.
type SlotMap struct {
	owners [SlotCount]int16
}

// BuildSlotMap indexes ci. Slots no node covers map to -1.
func BuildSlotMap(ci *ClusterInfo) *SlotMap {
	m := &SlotMap{}
	for i := range m.owners {
		m.owners[i] = -1
	}
	if ci == nil {
		return m
	}
	for idx, si := range ci.nodes {
		if si == nil || si.count == 0 {
			continue
		}
		for s := si.firstSlot; s <= si.lastSlot; s++ {
			m.owners[s] = int16(idx)
		}
	}
	return m
}

// Owner returns the node index owning slot, or -1.
func (m *SlotMap) Owner(slot int) int {
	if m == nil || slot < 0 || slot >= SlotCount {
		return -1
	}
	return int(m.owners[slot])
}

// Coverage counts the slots that have an owner.
func (m *SlotMap) Coverage() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, o := range m.owners {
		if o >= 0 {
			n++
		}
	}
	return n
}
