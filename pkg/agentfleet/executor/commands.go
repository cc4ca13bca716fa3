package executor

import (
	"regexp"
	"strings"
)

// Action names recognised in model output.
const (
	ActionSendNative   = "SEND_NATIVE"
	ActionSendToken    = "SEND_TOKEN"
	ActionCheckBalance = "CHECK_BALANCE"
	ActionScheduleTask = "SCHEDULE_TASK"
	ActionCancelTask   = "CANCEL_TASK"
)

var arity = map[string]int{
	ActionSendNative:   2,
	ActionSendToken:    3,
	ActionCheckBalance: 0,
	ActionScheduleTask: 3,
	ActionCancelTask:   1,
}

// tagPattern matches [[ACTION]] and [[ACTION|arg|arg...]]. Arguments
// cannot contain '|' or ']'.
var tagPattern = regexp.MustCompile(`\[\[([A-Z_]+)((?:\|[^|\]]*)*)\]\]`)

// Command is one recognised tag in a text.
type Command struct {
	Action string
	Args   []string

	// Raw is the exact matched substring; Start and End are its byte offsets.
	Raw        string
	Start, End int

	// Malformed is set when the argument count does not fit the action.
	Malformed bool
}

// Parse returns the recognised commands of text in order. Tags with an
// unknown action are not returned and stay in the text untouched.
func Parse(text string) []Command {
	var cmds []Command
	for _, m := range tagPattern.FindAllStringSubmatchIndex(text, -1) {
		action := text[m[2]:m[3]]
		want, known := arity[action]
		if !known {
			continue
		}
		var args []string
		if rest := text[m[4]:m[5]]; rest != "" {
			for _, a := range strings.Split(rest[1:], "|") {
				args = append(args, strings.TrimSpace(a))
			}
		}
		cmds = append(cmds, Command{
			Action:    action,
			Args:      args,
			Raw:       text[m[0]:m[1]],
			Start:     m[0],
			End:       m[1],
			Malformed: len(args) != want,
		})
	}
	return cmds
}

// filter keeps the commands whose action is in actions.
func filter(cmds []Command, actions ...string) []Command {
	var out []Command
	for _, c := range cmds {
		for _, a := range actions {
			if c.Action == a {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// rewrite replaces every command span with its replacement. Commands must be
// ordered by position, as Parse returns them.
func rewrite(text string, cmds []Command, replacements []string) string {
	if len(cmds) == 0 {
		return text
	}
	var b strings.Builder
	prev := 0
	for i, c := range cmds {
		b.WriteString(text[prev:c.Start])
		b.WriteString(replacements[i])
		prev = c.End
	}
	b.WriteString(text[prev:])
	return b.String()
}
