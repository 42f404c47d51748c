package memutils

// Statistics counts native memory objects ("blocks" of device memory) and the
// suballocations handed out from them.
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      uint64
	AllocationBytes uint64
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}
