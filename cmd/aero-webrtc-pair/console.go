package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-pair/internal/channel"
)

const byeCommand = "bye"

type channelSource interface {
	OnChannelAdded(fn func(*channel.Channel)) (remove func())
	Close() error
}

// console bridges line-oriented input to the most recently added channel and
// prints whatever arrives on any channel.
type console struct {
	out    io.Writer
	logger *slog.Logger

	outMu sync.Mutex

	mu      sync.Mutex
	current *channel.Channel
	session channelSource
}

func newConsole(out io.Writer, logger *slog.Logger) *console {
	return &console{out: out, logger: logger}
}

func (c *console) attach(s channelSource) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	s.OnChannelAdded(c.track)
}

func (c *console) track(ch *channel.Channel) {
	c.mu.Lock()
	c.current = ch
	c.mu.Unlock()

	name := ch.Name()
	c.logger.Info("channel added", "channel", name)
	ch.OnMessage(func(text string) {
		c.outMu.Lock()
		defer c.outMu.Unlock()
		fmt.Fprintf(c.out, "[%s] %s\n", name, text)
	})
	ch.OnStateChange(func(s channel.State) {
		c.logger.Info("channel state changed", "channel", name, "state", s)
	})
}

// run reads lines from in until EOF or "bye". It reports whether "bye" was
// read, in which case the session has already been closed.
func (c *console) run(in io.Reader) bool {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == byeCommand {
			c.mu.Lock()
			s := c.session
			c.mu.Unlock()
			if s != nil {
				if err := s.Close(); err != nil {
					c.logger.Warn("session close failed", "err", err)
				}
			}
			return true
		}
		c.send(line)
	}
	if err := sc.Err(); err != nil {
		c.logger.Warn("reading input failed", "err", err)
	}
	return false
}

func (c *console) send(line string) {
	c.mu.Lock()
	ch := c.current
	c.mu.Unlock()
	if ch == nil {
		c.logger.Warn("no channel yet, dropping input")
		return
	}
	if err := ch.Send(line); err != nil {
		c.logger.Warn("send failed", "channel", ch.Name(), "err", err)
	}
}
