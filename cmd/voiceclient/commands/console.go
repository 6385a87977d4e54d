package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// sessionControl is what the console drives
type sessionControl interface {
	Connect()
	Register(username, email string) error
	ToggleMicrophone(ctx context.Context) error
	Disconnect()
}

// hearer receives typed speech
type hearer interface {
	Hear(line string) int
}

const helpText = `Commands:
  /connect                    connect with auto-reconnect
  /register [username email]  register and wait for the welcome
  /mic                        toggle the microphone
  /disconnect                 end the conversation
  /quit                       exit
Anything else is spoken to the assistant.`

// console turns stdin lines into session commands and speech
type console struct {
	session  sessionControl
	speech   hearer
	out      io.Writer
	username string
	email    string
	quit     func()
}

func (c *console) read(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if done := c.execute(ctx, scanner.Text()); done {
			return
		}
	}
	// stdin closed: leave the session running until a signal arrives.
}

// execute handles one line and reports whether the console should stop reading
func (c *console) execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.say(line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/connect":
		c.session.Connect()
	case "/register":
		if len(fields) == 3 {
			c.username, c.email = fields[1], fields[2]
		}
		if err := c.session.Register(c.username, c.email); err != nil {
			fmt.Fprintln(c.out, "Usage: /register <username> <email>")
		}
	case "/mic":
		if err := c.session.ToggleMicrophone(ctx); err != nil {
			fmt.Fprintln(c.out, err)
		}
	case "/disconnect":
		c.session.Disconnect()
	case "/quit", "/exit":
		c.quit()
		return true
	case "/help":
		fmt.Fprintln(c.out, helpText)
	default:
		fmt.Fprintf(c.out, "Unknown command %s. Type /help for commands.\n", fields[0])
	}
	return false
}

func (c *console) say(line string) {
	if c.speech == nil {
		fmt.Fprintln(c.out, "Typed speech needs the console recognizer.")
		return
	}
	if c.speech.Hear(line) == 0 {
		fmt.Fprintln(c.out, "(not listening)")
	}
}
