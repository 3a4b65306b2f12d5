// Package repl implements tangoctl's interactive shell: a
// "<service> <action> key=value..." command line, dispatched through
// internal/cli/command against a tango-server instance. Grounded on the
// teacher's internal/cli/repl.Session for the overall shape (system
// commands, prompt-for-missing-required-fields, pretty-printed JSON
// response rendering), with line editing upgraded from a bare
// bufio.Reader to github.com/chzyer/readline so the operator gets
// history and line-editing the teacher's plain REPL never offered.
package repl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/shlex"

	"tango/internal/cli/command"
	"tango/internal/cli/httpclient"
	"tango/internal/cli/state"
)

// Session holds REPL state for one tangoctl invocation.
type Session struct {
	client     *httpclient.Client
	commands   map[string]command.Command
	keyState   state.KeyState
	statePath  string
	prettyJSON bool
	rl         *readline.Instance
}

// New constructs a Session. Call Close when done.
func New(client *httpclient.Client, commands map[string]command.Command, keyState state.KeyState, statePath string, prettyJSON bool) (*Session, error) {
	rl, err := readline.New("tango> ")
	if err != nil {
		return nil, fmt.Errorf("init readline: %w", err)
	}
	return &Session{
		client:     client,
		commands:   commands,
		keyState:   keyState,
		statePath:  statePath,
		prettyJSON: prettyJSON,
		rl:         rl,
	}, nil
}

// Close releases the underlying terminal.
func (s *Session) Close() error { return s.rl.Close() }

// Run drives the read-dispatch-print loop until EOF or "exit".
func (s *Session) Run(ctx context.Context) {
	for {
		line, err := s.rl.Readline()
		if err != nil { // io.EOF or readline.ErrInterrupt
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if s.handleSystemCommand(line) {
			if line == "exit" || line == "quit" {
				return
			}
			continue
		}
		if err := s.handleCommand(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleSystemCommand(line string) bool {
	switch line {
	case "exit", "quit":
		s.printLine("bye")
		return true
	case "help":
		s.printHelp()
		return true
	}
	if rest, ok := strings.CutPrefix(line, "set "); ok {
		s.handleSet(strings.TrimSpace(rest))
		return true
	}
	if rest, ok := strings.CutPrefix(line, "show "); ok {
		s.handleShow(strings.TrimSpace(rest))
		return true
	}
	return false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|timeout|key")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8080")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.keyState.BaseURL = parts[1]
		_ = state.Save(s.statePath, s.keyState)
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 10s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "key":
		if len(parts) < 2 {
			s.printLine("usage: set key <identity:secret>")
			return
		}
		s.client.SetAccessKey(parts[1])
		s.keyState.AccessKey = parts[1]
		if err := state.Save(s.statePath, s.keyState); err != nil {
			s.printLine("save key failed: %v", err)
			return
		}
		s.printLine("access key updated")
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "key":
		key := s.keyState.AccessKey
		if key == "" {
			s.printLine("key: <empty>")
			return
		}
		if len(key) > 12 {
			key = key[:6] + "..." + key[len(key)-4:]
		}
		s.printLine("key: %s", key)
	case "config":
		s.printLine("statePath: %s", s.statePath)
		s.printLine("baseURL: %s", s.keyState.BaseURL)
	default:
		s.printLine("usage: show key|config")
	}
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	service, action := tokens[0], tokens[1]
	key := fmt.Sprintf("%s %s", service, action)
	cmd, ok := s.commands[key]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", service, action)
	}
	params := command.Params{}
	for _, token := range tokens[2:] {
		k, v, found := strings.Cut(token, "=")
		if !found {
			return fmt.Errorf("invalid param: %s", token)
		}
		params.Set(k, v)
	}
	if err := s.promptMissing(&cmd, params); err != nil {
		return err
	}

	// "upload file" sends the file's raw bytes as the body; every other
	// command's body is the JSON command.BuildRequest constructs.
	if cmd.Service == "upload" && cmd.Action == "file" {
		return s.doUpload(ctx, cmd, params)
	}

	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Body, "application/json")
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) doUpload(ctx context.Context, cmd command.Command, params command.Params) error {
	path, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	data, err := command.ReadFile(params.Get("file"))
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, path.Method, path.Path, data, "application/octet-stream")
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) promptMissing(cmd *command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required {
			continue
		}
		if params.Has(field.Name) && params.Get(field.Name) != "" {
			continue
		}
		value, err := s.promptValue(field.Prompt)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) promptValue(prompt string) (string, error) {
	s.rl.SetPrompt(prompt + ": ")
	defer s.rl.SetPrompt("tango> ")
	line, err := s.rl.Readline()
	if err != nil {
		return "", fmt.Errorf("read input failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | set base|timeout|key | show key|config")
	s.printLine("examples:")
	s.printLine(`  open open`)
	s.printLine(`  upload file filename=Makefile file=./Makefile`)
	s.printLine(`  job add image=gcc input_files='[{"localFile":"requesters/me/Makefile","destFile":"Makefile"}]' output_file='{"destPath":"out","format":"raw"}' timeout=30`)
	s.printLine(`  job poll id=1`)
	s.printLine(`  pool set image=gcc target=4`)
}

func (s *Session) printLine(format string, args ...interface{}) {
	fmt.Fprintf(s.rl.Stdout(), format+"\n", args...)
}
