package stream

// Window is the FIFO of commands written to the controller but not yet
// acknowledged, with a running total of the bytes they occupy.
type Window struct {
	cmds  []Command
	bytes int
}

func (w *Window) Len() int   { return len(w.cmds) }
func (w *Window) Bytes() int { return w.bytes }

func (w *Window) Push(c Command) {
	w.cmds = append(w.cmds, c)
	w.bytes += c.Bytes
}

// Front returns the oldest unacknowledged command.
func (w *Window) Front() (Command, bool) {
	if len(w.cmds) == 0 {
		return Command{}, false
	}
	return w.cmds[0], true
}

// PopFront removes the oldest command. The controller acknowledges lines
// strictly in order, so every ok belongs to the front entry.
func (w *Window) PopFront() (Command, bool) {
	c, ok := w.Front()
	if !ok {
		return c, false
	}
	w.cmds = w.cmds[1:]
	w.bytes -= c.Bytes
	return c, true
}

// PopBack removes the newest command, undoing a Push whose write failed.
func (w *Window) PopBack() (Command, bool) {
	if len(w.cmds) == 0 {
		return Command{}, false
	}
	c := w.cmds[len(w.cmds)-1]
	w.cmds = w.cmds[:len(w.cmds)-1]
	w.bytes -= c.Bytes
	return c, true
}

// Clear drops every entry and returns how many there were.
func (w *Window) Clear() int {
	n := len(w.cmds)
	w.cmds = nil
	w.bytes = 0
	return n
}
