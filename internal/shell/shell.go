// Package shell implements dxlsh, an ishell backed console for poking at a
// servo bus one instruction at a time.
package shell

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/abiosoft/ishell"

	"github.com/shaunagostinho/goax12/internal/dxl"
)

const shellKey = "$shell"

// ErrUsage is returned when a command gets the wrong arguments.
var ErrUsage = errors.New("usage")

// Shell provides the interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool

	Shell *ishell.Shell
	Conn  *dxl.Connection
}

// New creates a shell driving conn.
func New(conn *dxl.Connection, interactive, outputJSON bool) *Shell {
	s := &Shell{
		Interactive: interactive,
		OutputJSON:  outputJSON,
		Shell:       ishell.New(),
		Conn:        conn,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt("dxl > ")
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd.ishell())
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// Exec runs one command by name and returns its result.
func (s *Shell) Exec(name string, args ...string) (interface{}, error) {
	for _, cmd := range commands {
		if cmd.matches(name) {
			return cmd.run(s, args)
		}
	}
	return nil, fmt.Errorf("unknown command %q", name)
}

// Format renders a command result as text or JSON.
func (s *Shell) Format(v interface{}) (string, error) {
	if s.OutputJSON {
		out, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
	if str, ok := v.(fmt.Stringer); ok {
		return str.String(), nil
	}
	return fmt.Sprint(v), nil
}

// Run processes args as a single command, or starts the interactive shell
// when there are none.
func (s *Shell) Run(args ...string) error {
	if len(args) > 0 {
		return s.Shell.Process(args...)
	}
	if !s.Interactive {
		return errors.New("command expected")
	}
	s.Shell.Println("dxlsh: type help for commands")
	s.Shell.Run()
	return nil
}
