package batch

import "sort"

// Item is a message to fetch with its declared size in bytes
type Item struct {
	UID  uint32
	Size int64
}

// Limits bounds a batch. Zero disables a cap.
type Limits struct {
	MaxBytes int64
	MaxCount int
}

// Batch is a group of items fetched in one round-trip
type Batch struct {
	Items []Item
	Bytes int64
}

// UIDs returns the identifiers in the batch
func (b Batch) UIDs() []uint32 {
	uids := make([]uint32, len(b.Items))
	for i, it := range b.Items {
		uids[i] = it.UID
	}
	return uids
}

// Plan packs items into batches, largest first. An item larger than
// MaxBytes is emitted alone. Otherwise items join the current batch while
// its running size stays below MaxBytes and its length below MaxCount.
func Plan(items []Item, limits Limits) []Batch {
	if len(items) == 0 {
		return nil
	}

	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Size != sorted[j].Size {
			return sorted[i].Size > sorted[j].Size
		}
		return sorted[i].UID < sorted[j].UID
	})

	var (
		batches []Batch
		current Batch
	)
	flush := func() {
		if len(current.Items) > 0 {
			batches = append(batches, current)
			current = Batch{}
		}
	}

	for _, it := range sorted {
		if limits.MaxBytes > 0 && it.Size > limits.MaxBytes {
			batches = append(batches, Batch{Items: []Item{it}, Bytes: it.Size})
			continue
		}
		if len(current.Items) > 0 && !fits(current, it, limits) {
			flush()
		}
		current.Items = append(current.Items, it)
		current.Bytes += it.Size
	}
	flush()

	return batches
}

func fits(b Batch, it Item, limits Limits) bool {
	if limits.MaxCount > 0 && len(b.Items) >= limits.MaxCount {
		return false
	}
	if limits.MaxBytes > 0 && b.Bytes+it.Size >= limits.MaxBytes {
		return false
	}
	return true
}
