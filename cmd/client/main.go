/*
Package main is a terminal client for the Room Relay server.

It joins one room, prints the transcript with delivery ticks as it changes, and sends
every line typed on stdin. "/users" prints the roster and "/quit" leaves.
*/
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"roomrelay/internal/app/session"
	"roomrelay/internal/app/transport"
	"roomrelay/internal/configs"
	"roomrelay/internal/pkg/logx"
)

func main() {
	os.Exit(start())
}

func start() int {
	cfg, err := configs.ParseClientConfig(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 2
	}

	logFile, err := initLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to open log file: %v\n", err)
		return 1
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	channel := transport.NewWebSocket(cfg.Endpoint, transport.WithReconnectAttempts(cfg.ReconnectAttempts))

	s, err := session.Open(ctx, channel, session.Config{Name: cfg.Name, Room: cfg.Room})
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to open session: %v\n", err)
		return 1
	}
	defer s.Close()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	return run(ctx, s, lines, os.Stdout)
}

// initLogger keeps log output off the transcript: a log file when configured,
// stderr when debugging, nowhere otherwise.
func initLogger(cfg configs.ClientConfig) (*os.File, error) {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}

	switch {
	case cfg.LogFile != "":
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		logx.InitGlobalLoggerTo(f, level)
		return f, nil

	case cfg.Debug:
		logx.InitGlobalLoggerTo(zerolog.ConsoleWriter{Out: os.Stderr}, level)

	default:
		logx.InitGlobalLoggerTo(io.Discard, zerolog.Disabled)
	}

	return nil, nil
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// run drives the terminal until the user quits, stdin closes, ctx is cancelled or the
// first join is rejected. It returns the process exit code.
func run(ctx context.Context, s *session.Session, lines <-chan string, out io.Writer) int {
	v := newTranscript(s.Config().Name)

	for {
		select {
		case <-ctx.Done():
			return 0

		case line, ok := <-lines:
			if !ok {
				return 0
			}

			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/quit":
				return 0
			case "/users":
				v.printRoster(out, s)
				continue
			}

			if _, err := s.Send(line); err != nil && !errors.Is(err, session.ErrEmptyMessage) {
				fmt.Fprintf(out, "! %v\n", err)
			}

		case <-s.Updates():
			v.render(out, s)

			if fatalJoinError(s.JoinErr()) {
				return 1
			}
		}
	}
}

// fatalJoinError reports whether err ends the client. A rejection after a reconnect can be
// the server still holding our previous connection, so it stays on screen as the error
// line while the transport keeps going.
func fatalJoinError(err error) bool {
	var joinErr *session.JoinError
	if !errors.As(err, &joinErr) {
		return false
	}
	return !joinErr.Rejoin
}

// transcript remembers what has been printed so only changes are written.
type transcript struct {
	localUser string
	lines     []string
	state     string
	errLine   string
	roster    string
}

func newTranscript(localUser string) *transcript {
	return &transcript{localUser: localUser}
}

func (v *transcript) render(out io.Writer, s *session.Session) {
	if state := s.State(); state != v.state {
		v.state = state
		fmt.Fprintf(out, "-- %s\n", state)
	}

	if errLine := s.Err(); errLine != v.errLine {
		v.errLine = errLine
		if errLine != "" {
			fmt.Fprintf(out, "! %s\n", errLine)
		}
	}

	for i, e := range s.Messages() {
		line := session.FormatEntry(e, v.localUser, nil)

		if i >= len(v.lines) {
			v.lines = append(v.lines, line)
			fmt.Fprintln(out, line)
			continue
		}

		if v.lines[i] != line {
			v.lines[i] = line
			fmt.Fprintf(out, "%s   (updated)\n", line)
		}
	}

	if roster := rosterLine(s); roster != v.roster {
		v.roster = roster
		if roster != "" {
			fmt.Fprintf(out, "-- in room: %s\n", roster)
		}
	}
}

func (v *transcript) printRoster(out io.Writer, s *session.Session) {
	v.roster = rosterLine(s)
	fmt.Fprintf(out, "-- in room: %s\n", v.roster)
}

func rosterLine(s *session.Session) string {
	roster := s.Roster()

	names := make([]string, 0, len(roster))
	for _, u := range roster {
		names = append(names, u.Name)
	}
	return strings.Join(names, ", ")
}
