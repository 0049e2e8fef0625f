package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// StdinPrompter asks the operator to resolve an escalation on the terminal.
// Invalid input re-prompts; it never defaults silently.
type StdinPrompter struct {
	In  io.Reader
	Out io.Writer
}

var _ Prompter = (*StdinPrompter)(nil)

// Decide implements Prompter.
func (p *StdinPrompter) Decide(skillName string, err error) Action {
	in := p.In
	if in == nil {
		in = os.Stdin
	}
	out := p.Out
	if out == nil {
		out = os.Stdout
	}

	fmt.Fprintf(out, "\nHuman intervention required\nSkill: %s\nError: %v\n", skillName, err)

	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(out, "Choose: [r]etry / [s]kip / [a]bort: ")
		line, readErr := reader.ReadString('\n')
		choice := strings.ToLower(strings.TrimSpace(line))
		switch choice {
		case "r":
			return ActionRetry
		case "s":
			return ActionSkip
		case "a":
			return ActionHalt
		}
		if readErr != nil {
			// Input exhausted; abort is the only safe resolution left.
			return ActionHalt
		}
		fmt.Fprintln(out, "Invalid choice, try again")
	}
}
