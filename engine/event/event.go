package event

const (
	Error Type = iota
	BatchOpened
	CommitAccepted
	RevealAccepted
	BatchSettled
	SlashRecorded
	SlashPayout
)

type (
	Event struct {
		EventType Type
		Content   any
	}

	Type int

	Handler func(e *Event)
)
