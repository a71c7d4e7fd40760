package grbl

// Realtime commands are single bytes the controller acts on immediately,
// outside of the line buffer.
const (
	StatusQuery byte = '?'
	FeedHold    byte = '!'
	CycleStart  byte = '~'
	SoftReset   byte = 0x18
	QueueFlush  byte = 0x15
	JogCancel   byte = 0x85
)

// ParserStateQuery is a line command; the controller answers with a
// [GC:...] report followed by ok.
const ParserStateQuery = "$G"
