package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Command is a parsed slash control command, handled synchronously outside
// the agent lane.
type Command struct {
	Name string
	Args []string
	Raw  string
}

// reservedCommands always route to the command handler. Skill names are
// registered on top of these and mask any model alias with the same
// normalized name.
var reservedCommands = map[string]bool{
	"help":     true,
	"model":    true,
	"models":   true,
	"think":    true,
	"thinking": true,
	"queue":    true,
	"verbose":  true,
	"status":   true,
	"stop":     true,
	"stopall":  true,
	"reset":    true,
	"new":      true,
}

// Classifier decides whether inbound text is a control command. Skill names
// extend the reserved set; model aliases are consulted last so a skill or
// reserved command with the same name wins.
type Classifier struct {
	skills       map[string]bool
	modelAliases map[string]bool
}

func NewClassifier(skills, modelAliases []string) *Classifier {
	c := &Classifier{
		skills:       make(map[string]bool, len(skills)),
		modelAliases: make(map[string]bool, len(modelAliases)),
	}
	for _, s := range skills {
		c.skills[normalizeCommand(s)] = true
	}
	for _, a := range modelAliases {
		c.modelAliases[normalizeCommand(a)] = true
	}
	return c
}

func normalizeCommand(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Classify parses text as a control command. Returns ok=false for ordinary
// messages, which proceed to the agent lane.
func (c *Classifier) Classify(text string) (Command, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return Command{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(trimmed, "/"))
	if len(fields) == 0 {
		return Command{}, false
	}
	name := normalizeCommand(fields[0])
	// Telegram-style suffix: /status@botname.
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}

	cmd := Command{Name: name, Args: fields[1:], Raw: trimmed}
	if reservedCommands[name] || c.skills[name] {
		return cmd, true
	}
	if c.modelAliases[name] {
		// A bare model alias acts as a model switch shorthand.
		return Command{Name: "model", Args: append([]string{name}, fields[1:]...), Raw: trimmed}, true
	}
	return Command{}, false
}

// QueueArgs are the parsed arguments of the queue command. Nil pointer means
// the field was not given.
type QueueArgs struct {
	Mode     *Mode
	Debounce *time.Duration
	Cap      *int
	Drop     *DropPolicy
}

// Empty reports whether no field was supplied (report-only invocation).
func (a QueueArgs) Empty() bool {
	return a.Mode == nil && a.Debounce == nil && a.Cap == nil && a.Drop == nil
}

// ParseQueueArgs parses "mode:<m> debounce:<ms|s|m> cap:<n> drop:<p>" tokens.
func ParseQueueArgs(args []string) (QueueArgs, error) {
	var out QueueArgs
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, ":")
		if !ok {
			return QueueArgs{}, fmt.Errorf("expected key:value, got %q", arg)
		}
		switch strings.ToLower(key) {
		case "mode":
			m, err := ParseMode(val)
			if err != nil {
				return QueueArgs{}, err
			}
			out.Mode = &m
		case "debounce":
			d, err := parseDebounce(val)
			if err != nil {
				return QueueArgs{}, err
			}
			out.Debounce = &d
		case "cap":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return QueueArgs{}, fmt.Errorf("cap must be a positive integer, got %q", val)
			}
			out.Cap = &n
		case "drop":
			p, err := ParseDropPolicy(val)
			if err != nil {
				return QueueArgs{}, err
			}
			out.Drop = &p
		default:
			return QueueArgs{}, fmt.Errorf("unknown queue option %q", key)
		}
	}
	return out, nil
}

// parseDebounce accepts a bare millisecond count or a value with an ms, s,
// or m suffix.
func parseDebounce(val string) (time.Duration, error) {
	v := strings.ToLower(strings.TrimSpace(val))
	unit := time.Millisecond
	switch {
	case strings.HasSuffix(v, "ms"):
		v = strings.TrimSuffix(v, "ms")
	case strings.HasSuffix(v, "s"):
		v, unit = strings.TrimSuffix(v, "s"), time.Second
	case strings.HasSuffix(v, "m"):
		v, unit = strings.TrimSuffix(v, "m"), time.Minute
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid debounce %q", val)
	}
	return time.Duration(n) * unit, nil
}
