package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aeolun/ircserver/pkg/protocol"
)

func TestRenderShowsStatusAndReason(t *testing.T) {
	out := render(protocol.CmdListRooms, protocol.Error("Wrong password"))
	assert.Contains(t, out, "ERROR")
	assert.Contains(t, out, "Wrong password")
	assert.NotContains(t, out, "(")

	out = render(protocol.CmdListRooms, protocol.Denied("NO USERS"))
	assert.Contains(t, out, "DENIED")
	assert.Contains(t, out, "NO USERS")

	assert.Contains(t, render(protocol.CmdAddUser, protocol.OK()), "OK")
	assert.Contains(t, render(protocol.CmdListRooms, protocol.UnknownCommand()), "UNKNOWN COMMAND")
}

func TestRenderLists(t *testing.T) {
	assert.Contains(t, render(protocol.CmdListRooms, protocol.List(nil)), "(empty)")

	out := render(protocol.CmdGetMessages, protocol.List([]string{protocol.FormatMessage(3, "alice", "hi  there")}))
	assert.Contains(t, out, "3")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "hi  there")
}
