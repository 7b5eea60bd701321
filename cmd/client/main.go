// Command client sends one request to a chat server and prints the reply.
//
//	client <address> <COMMAND> <user> <password> [args...]
//
// The address may be host:port, tcp://, ssh://user@host:port or ws://host:port.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aeolun/ircserver/pkg/client"
	"github.com/aeolun/ircserver/pkg/protocol"
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	seqStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Width(5).Align(lipgloss.Right)
	authorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
)

func main() {
	timeout := flag.Duration("timeout", client.DefaultTimeout, "round trip timeout")
	raw := flag.Bool("raw", false, "print the response exactly as received")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: client [flags] <address> <COMMAND> <user> <password> [args...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 4 {
		flag.Usage()
		os.Exit(2)
	}

	c, err := client.New(args[0], args[2], args[3])
	if err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render(err.Error()))
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	command := strings.ToUpper(args[1])
	resp, err := c.Command(ctx, command, strings.Join(args[4:], " "))
	if err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render(err.Error()))
		os.Exit(1)
	}

	if *raw {
		os.Stdout.Write(resp.Bytes())
	} else {
		fmt.Print(render(command, resp))
	}

	switch resp.Token() {
	case protocol.StatusOK, protocol.StatusList, protocol.StatusNoNewMessages:
	default:
		os.Exit(1)
	}
}

func render(command string, resp *protocol.Response) string {
	var b strings.Builder

	if !resp.List {
		line := strings.Join(resp.Lines, "\n")
		switch resp.Token() {
		case protocol.StatusOK:
			b.WriteString(okStyle.Render(line))
		case protocol.StatusNoNewMessages:
			b.WriteString(infoStyle.Render(line))
		default:
			if reason := resp.Reason(); reason != "" {
				b.WriteString(failStyle.Render(resp.Token()))
				b.WriteString(" ")
				b.WriteString(mutedStyle.Render(reason))
			} else {
				b.WriteString(failStyle.Render(line))
			}
		}
		b.WriteString("\n")
		return b.String()
	}

	if len(resp.Lines) == 0 {
		b.WriteString(mutedStyle.Render("(empty)"))
		b.WriteString("\n")
		return b.String()
	}

	for _, line := range resp.Lines {
		if command == protocol.CmdGetMessages {
			if seq, author, body, err := protocol.ParseMessage(line); err == nil {
				b.WriteString(seqStyle.Render(fmt.Sprint(seq)))
				b.WriteString(" ")
				b.WriteString(authorStyle.Render(author))
				b.WriteString(" ")
				b.WriteString(body)
				b.WriteString("\n")
				continue
			}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return b.String()
}
