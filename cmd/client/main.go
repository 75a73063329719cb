package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/NicolasHaas/gorelay/pkg/client"
	"github.com/NicolasHaas/gorelay/pkg/logging"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
	"github.com/NicolasHaas/gorelay/pkg/version"
)

func main() {
	serverAddr := flag.String("server", "localhost:"+client.DefaultPort, "Relay address (host or host:port)")
	username := flag.String("user", "", "Username to register with")
	blockFile := flag.String("blocklist", "", "YAML file persisting blocked users (empty = not saved)")
	noColor := flag.Bool("no-color", false, "Disable colored output")
	echo := flag.Bool("echo", true, "Show your own messages when the relay sends them back")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("gorelay-client", version.Full())
		return
	}

	// Default to "warn" so logs stay out of the chat; override with GORELAY_LOG_LEVEL.
	level := "warn"
	if v := os.Getenv("GORELAY_LOG_LEVEL"); v != "" {
		level = v
	}
	_ = logging.Setup(logging.Options{Level: level, Output: os.Stderr})

	if *noColor || !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}

	in := bufio.NewScanner(os.Stdin)
	serverSet := false
	flag.Visit(func(f *flag.Flag) { serverSet = serverSet || f.Name == "server" })
	if !serverSet {
		fmt.Print("Server (IP or host name, default localhost): ")
		if v := readLine(in); v != "" {
			*serverAddr = v
		} else {
			*serverAddr = "localhost"
		}
	}
	if strings.TrimSpace(*username) == "" {
		fmt.Print("Username: ")
		*username = readLine(in)
		if *username == "" {
			fmt.Fprintln(os.Stderr, "username must not be empty")
			os.Exit(1)
		}
	}

	blocked := client.NewBlocklist()
	if *blockFile != "" {
		var err error
		if blocked, err = client.LoadBlocklist(*blockFile); err != nil {
			fmt.Fprintf(os.Stderr, "load blocklist: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, err := client.Dial(ctx, *serverAddr, *username, client.Options{
		Blocklist:    blocked,
		WriteTimeout: 10 * time.Second,
	})
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	out := newPrinter(os.Stdout, c.Username(), *echo)
	out.info("connected to %s as %s (type 'logout' to quit)", *serverAddr, c.Username())
	c.Listen(func(env protocol.Envelope) { out.message(time.Now(), env) })

	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			lines <- in.Text()
		}
	}()

	for {
		select {
		case <-c.Done():
			if err := c.Err(); err != nil {
				out.warn("session closed: %v", err)
			}
			os.Exit(1)
		case line, ok := <-lines:
			if !ok {
				// stdin closed
				_ = c.Logout()
				return
			}
			if done := handleLine(c, out, line); done {
				return
			}
		}
	}
}

// handleLine executes one input line and reports whether the client is done.
func handleLine(c *client.Client, out *printer, line string) bool {
	cmd := client.ParseCommand(line)
	var err error
	switch cmd.Kind {
	case client.CmdEmpty:
		return false
	case client.CmdLogout:
		if err := c.Logout(); err != nil {
			slog.Debug("logout", "err", err)
		}
		return true
	case client.CmdBan, client.CmdUnban:
		if cmd.Arg == "" {
			out.warn("usage: ban <user> | unban <user>")
			return false
		}
		if cmd.Kind == client.CmdBan {
			err = c.Ban(cmd.Arg)
			out.info("you have banned %s", cmd.Arg)
		} else {
			err = c.Unban(cmd.Arg)
			out.info("you have unbanned %s", cmd.Arg)
		}
		if serr := c.Blocklist().Save(); serr != nil {
			out.warn("save blocklist: %v", serr)
		}
	case client.CmdBlocked:
		names := c.Blocklist().List()
		if len(names) == 0 {
			out.info("no blocked users")
		} else {
			out.info("blocked: %s", strings.Join(names, ", "))
		}
	default:
		err = c.Say(cmd.Arg)
	}
	if err != nil {
		out.warn("send failed: %v", err)
	}
	return false
}

func readLine(s *bufio.Scanner) string {
	if !s.Scan() {
		return ""
	}
	return strings.TrimSpace(s.Text())
}
