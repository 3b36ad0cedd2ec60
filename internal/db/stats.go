package db

// TierStats summarizes one tier of the live table set.
type TierStats struct {
	Tier   int
	Tables int
	Bytes  uint64
}

// Stats is a point-in-time summary of engine state.
type Stats struct {
	Tiers            []TierStats
	MemtableBytes    int64
	MemtableEntries  int
	ImmutableBytes   int64
	ImmutablePending bool
	NextSeq          uint64
	WALSegment       uint64
	LogNumber        uint64
	Flushes          uint64
	Compactions      uint64
}

func (d *DB) Stats() Stats {
	d.mu.RLock()
	s := Stats{
		MemtableBytes:   d.mem.SizeBytes(),
		MemtableEntries: d.mem.Len(),
		NextSeq:         d.nextSeq + 1,
	}
	if d.imm != nil {
		s.ImmutablePending = true
		s.ImmutableBytes = d.imm.SizeBytes()
	}
	d.mu.RUnlock()

	if seg := d.log.Current(); seg != nil {
		s.WALSegment = uint64(seg.FileNo())
	}

	v := d.manifest.Current()
	s.LogNumber = uint64(v.LogNumber)
	for tier, files := range v.Tiers {
		s.Tiers = append(s.Tiers, TierStats{Tier: tier, Tables: len(files), Bytes: v.TierSize(tier)})
	}
	s.Flushes = d.flushes.Load()
	s.Compactions = d.compactions.Load()
	return s
}
