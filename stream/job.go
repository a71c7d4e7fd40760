package stream

import "github.com/mastercactapus/gcstream/gcode"

// Command is one line queued for the controller.
type Command struct {
	Text string

	// Bytes is the space the line occupies in the controller's receive
	// buffer, including the newline terminator.
	Bytes int

	// Line is the index of the command in the loaded program, or -1 for
	// commands inserted ahead of the program (resume preambles).
	Line int
}

// NewCommand builds a Command for text, which must not contain the newline.
func NewCommand(text string, line int) Command {
	return Command{Text: text, Bytes: len(text) + 1, Line: line}
}

// A Job is the ordered queue of commands for one run plus a forward-only
// cursor. It is only appended to before it is handed to a Sender.
type Job struct {
	cmds   []Command
	cursor int
	offset int
}

// NewJob builds a job from program lines. Blank lines and comments are
// dropped; each remaining command keeps the index of its source line.
//
// lineOffset is added to every reported line index, so a job built from
// the tail of a program (for resume) reports numbers of the full program.
func NewJob(lines []string, lineOffset int) *Job {
	j := &Job{offset: lineOffset}
	for i, line := range lines {
		text := gcode.StripComments(line)
		if text == "" {
			continue
		}
		j.cmds = append(j.cmds, NewCommand(text, i))
	}
	return j
}

// Prepend queues setup lines ahead of the program. They are sent like any
// other command but do not report line completion.
func (j *Job) Prepend(lines []string) {
	pre := make([]Command, 0, len(lines)+len(j.cmds))
	for _, line := range lines {
		text := gcode.StripComments(line)
		if text == "" {
			continue
		}
		pre = append(pre, NewCommand(text, -1))
	}
	j.cmds = append(pre, j.cmds...)
}

func (j *Job) Len() int { return len(j.cmds) }

// Offset is the value added to source line indices when reporting.
func (j *Job) Offset() int { return j.offset }

// Commands returns a copy of the queued commands.
func (j *Job) Commands() []Command { return append([]Command(nil), j.cmds...) }

// Remaining is the number of commands not yet sent.
func (j *Job) Remaining() int { return len(j.cmds) - j.cursor }

func (j *Job) Done() bool { return j.cursor >= len(j.cmds) }

func (j *Job) peek() Command { return j.cmds[j.cursor] }

func (j *Job) advance() { j.cursor++ }
