// Package logfields defines the structured field names used in log entries.
package logfields

const (
	// LogSubsys is the field denoting the subsystem when logging
	LogSubsys = "subsys"

	// PPDUID is the hardware PPDU identifier
	PPDUID = "ppduID"

	// UserID is the index of a user within a multi-user PPDU
	UserID = "userID"

	// Cookie is a descriptor handle
	Cookie = "cookie"

	// PAddr is a DMA address
	PAddr = "paddr"

	EndReason = "endReason"
	EndOffset = "endOffset"

	// Quota is the per-invocation reap budget
	Quota = "quota"

	WorkDone = "workDone"

	// Depth is the current depth of a queue
	Depth = "depth"

	Count = "count"

	Tag = "tag"

	Interface = "interface"

	Queue = "queue"

	Path = "path"
)
