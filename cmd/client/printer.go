package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// printer renders relayed messages and local notices.
// Listen's goroutine and the input loop share it.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	self string
	echo bool

	stamp  func(format string, a ...interface{}) string
	own    func(format string, a ...interface{}) string
	notice func(format string, a ...interface{}) string
	alert  func(format string, a ...interface{}) string
}

func newPrinter(w io.Writer, self string, echo bool) *printer {
	return &printer{
		w:      w,
		self:   self,
		echo:   echo,
		stamp:  color.New(color.Faint).SprintfFunc(),
		own:    color.CyanString,
		notice: color.New(color.FgGreen).SprintfFunc(),
		alert:  color.YellowString,
	}
}

// message prints a relayed envelope as "[HH:MM:SS] text".
func (p *printer) message(at time.Time, env protocol.Envelope) {
	if env.Sender == p.self && !p.echo {
		return
	}
	text := env.Payload
	if env.Sender == p.self {
		text = p.own("%s", text)
	}
	p.println(p.stamp("[%s]", at.Format("15:04:05")) + " " + text)
}

func (p *printer) info(format string, a ...interface{}) {
	p.println(p.notice(format, a...))
}

func (p *printer) warn(format string, a ...interface{}) {
	p.println(p.alert(format, a...))
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, s)
}
