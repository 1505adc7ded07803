package hostmem

// AllocatorKind tags every allocation and free with the allocator that should serve it.
// The numeric values are shared with callers outside this module and must not change.
type AllocatorKind int32

const (
	// AllocatorInvalid is the zero value and is never a valid tag
	AllocatorInvalid AllocatorKind = iota
	// AllocatorNone marks memory that no allocator owns. It is served by the persistent strategy.
	AllocatorNone
	// AllocatorTemp marks memory that lives until the next ReleaseTemp
	AllocatorTemp
	// AllocatorTempJob marks memory that lives for the duration of a job. It shares the temp
	// arena and so also lives until the next ReleaseTemp.
	AllocatorTempJob
	// AllocatorPersistent marks memory that lives until it is explicitly freed
	AllocatorPersistent
)

var allocatorKindMapping = map[AllocatorKind]string{
	AllocatorInvalid:    "AllocatorInvalid",
	AllocatorNone:       "AllocatorNone",
	AllocatorTemp:       "AllocatorTemp",
	AllocatorTempJob:    "AllocatorTempJob",
	AllocatorPersistent: "AllocatorPersistent",
}

func (k AllocatorKind) String() string {
	str, ok := allocatorKindMapping[k]
	if !ok {
		return "AllocatorUnknown"
	}
	return str
}

// IsTemp returns true for the kinds served by the temp arena
func (k AllocatorKind) IsTemp() bool {
	return k == AllocatorTemp || k == AllocatorTempJob
}
