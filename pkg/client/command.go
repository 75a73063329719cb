package client

import "strings"

// CommandKind classifies one line typed into the front end.
type CommandKind int

const (
	CmdChat    CommandKind = iota // plain text
	CmdLogout                     // "logout", any case
	CmdBan                        // "ban <user>"
	CmdUnban                      // "unban <user>"
	CmdBlocked                    // "blocked": list the block list
	CmdEmpty                      // blank line
)

// Command is a parsed input line. Arg is the chat text or the target user.
type Command struct {
	Kind CommandKind
	Arg  string
}

// ParseCommand maps a line of input to a command.
func ParseCommand(line string) Command {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return Command{Kind: CmdEmpty}
	case strings.EqualFold(trimmed, "logout"):
		return Command{Kind: CmdLogout}
	case strings.EqualFold(trimmed, "blocked"):
		return Command{Kind: CmdBlocked}
	case strings.HasPrefix(line, "ban "):
		return Command{Kind: CmdBan, Arg: strings.TrimSpace(line[len("ban "):])}
	case strings.HasPrefix(line, "unban "):
		return Command{Kind: CmdUnban, Arg: strings.TrimSpace(line[len("unban "):])}
	default:
		return Command{Kind: CmdChat, Arg: line}
	}
}
