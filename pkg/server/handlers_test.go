package server

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aeolun/ircserver/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns a config with every listener on a random port and a
// cheap bcrypt cost.
func testConfig() ServerConfig {
	config := DefaultConfig()
	config.TCPPort = 0
	config.SSHPort = 0
	config.HTTPPort = 0
	config.MetricsPort = 0
	config.BcryptCost = 4
	config.ConnectionsPerSecond = 0
	return config
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(testConfig(), "")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop() })
	return srv
}

type nopConn struct{}

func (nopConn) Read([]byte) (int, error)    { return 0, io.EOF }
func (nopConn) Write(p []byte) (int, error) { return len(p), nil }
func (nopConn) Close() error                { return nil }

// exec runs one line through the handlers the way serveSession does,
// without a network connection.
func exec(t *testing.T, srv *Server, line string) *protocol.Response {
	t.Helper()
	sess := srv.sessions.CreateSession("test", nopConn{}, "127.0.0.1:1")
	defer srv.sessions.RemoveSession(sess.ID)

	req, err := protocol.ParseRequest(line)
	if err != nil {
		require.ErrorIs(t, err, protocol.ErrMalformed)
		sess.transition(StateRejected)
		return protocol.UnknownCommand()
	}
	sess.transition(StateParsed)
	return srv.handleRequest(sess, req)
}

func execLine(t *testing.T, srv *Server, line string) string {
	t.Helper()
	return string(exec(t, srv, line).Bytes())
}

func TestAddUserAlwaysOK(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, "OK\r\n", execLine(t, srv, "ADD-USER alice pw"))
	assert.Equal(t, "OK\r\n", execLine(t, srv, "ADD-USER bob pw"))
	assert.Equal(t, "alice\r\nbob\r\n\r\n", execLine(t, srv, "GET-ALL-USERS alice pw"))
}

func TestAddUserReplacesPassword(t *testing.T) {
	srv := newTestServer(t)

	execLine(t, srv, "ADD-USER alice old")
	execLine(t, srv, "ADD-USER alice new")

	assert.Equal(t, "ERROR (Wrong password)\r\n", execLine(t, srv, "LIST-ROOMS alice old"))
	assert.Equal(t, "\r\n", execLine(t, srv, "LIST-ROOMS alice new"))
	assert.Equal(t, "alice\r\n\r\n", execLine(t, srv, "GET-ALL-USERS alice new"))
}

func TestEmptyRegistryDenied(t *testing.T) {
	srv := newTestServer(t)

	for _, line := range []string{
		"CREATE-ROOM alice pw lobby",
		"ENTER-ROOM alice pw lobby",
		"LEAVE-ROOM alice pw lobby",
		"SEND-MESSAGE alice pw lobby hi",
		"GET-USERS-IN-ROOM alice pw lobby",
		"GET-ALL-USERS alice pw",
		"LIST-ROOMS alice pw",
	} {
		assert.Equal(t, "DENIED (NO USERS)\r\n", execLine(t, srv, line), line)
	}
	assert.Equal(t, "ERROR (No users)\r\n", execLine(t, srv, "GET-MESSAGES alice pw 0 lobby"))
}

func TestUnknownUserAndWrongPassword(t *testing.T) {
	srv := newTestServer(t)
	execLine(t, srv, "ADD-USER alice pw")

	assert.Equal(t, "ERROR (Wrong password)\r\n", execLine(t, srv, "LIST-ROOMS alice nope"))
	assert.Equal(t, "ERROR (Wrong password)\r\n", execLine(t, srv, "LIST-ROOMS mallory pw"))
	assert.Equal(t, "ERROR (Wrong password)\r\n", execLine(t, srv, "CREATE-ROOM mallory pw lobby"))
	assert.Equal(t, "\r\n", execLine(t, srv, "LIST-ROOMS alice pw"), "failed requests must not create rooms")
}

func TestFailedAuthenticationDoesNotMutate(t *testing.T) {
	srv := newTestServer(t)
	execLine(t, srv, "ADD-USER alice secret")
	execLine(t, srv, "ADD-USER bob secret")
	execLine(t, srv, "CREATE-ROOM alice secret lobby")
	execLine(t, srv, "ENTER-ROOM alice secret lobby")

	assert.Equal(t, "ERROR (Wrong password)\r\n", execLine(t, srv, "ENTER-ROOM bob nope lobby"))
	assert.Equal(t, "alice\r\n\r\n", execLine(t, srv, "GET-USERS-IN-ROOM alice secret lobby"))

	assert.Equal(t, "ERROR (Wrong password)\r\n", execLine(t, srv, "LEAVE-ROOM alice nope lobby"))
	assert.Equal(t, "alice\r\n\r\n", execLine(t, srv, "GET-USERS-IN-ROOM alice secret lobby"))

	assert.Equal(t, "ERROR (Wrong password)\r\n", execLine(t, srv, "SEND-MESSAGE alice nope lobby sneaky"))
	assert.Equal(t, "NO-NEW-MESSAGES\r\n", execLine(t, srv, "GET-MESSAGES alice secret -1 lobby"))

	assert.Equal(t, "ERROR (Wrong password)\r\n", execLine(t, srv, "CREATE-ROOM alice nope attic"))
	assert.Equal(t, "lobby\r\n\r\n", execLine(t, srv, "LIST-ROOMS bob secret"))
	assert.Equal(t, 0, srv.db.Stats().Messages)
}

func TestNeverAddedUserCannotEnter(t *testing.T) {
	srv := newTestServer(t)
	execLine(t, srv, "ADD-USER alice secret")
	execLine(t, srv, "CREATE-ROOM alice secret lobby")
	execLine(t, srv, "ENTER-ROOM alice secret lobby")

	assert.Equal(t, "ERROR (Wrong password)\r\n", execLine(t, srv, "ENTER-ROOM bob secret lobby"))
	assert.Equal(t, "alice\r\n\r\n", execLine(t, srv, "GET-USERS-IN-ROOM alice secret lobby"))
	assert.Equal(t, "alice\r\n\r\n", execLine(t, srv, "GET-ALL-USERS alice secret"))
}

func TestDuplicateRoomNames(t *testing.T) {
	srv := newTestServer(t)
	execLine(t, srv, "ADD-USER alice pw")

	assert.Equal(t, "OK\r\n", execLine(t, srv, "CREATE-ROOM alice pw lobby"))
	assert.Equal(t, "OK\r\n", execLine(t, srv, "CREATE-ROOM alice pw lobby"))
	assert.Equal(t, "lobby\r\nlobby\r\n\r\n", execLine(t, srv, "LIST-ROOMS alice pw"))

	execLine(t, srv, "ENTER-ROOM alice pw lobby")
	execLine(t, srv, "SEND-MESSAGE alice pw lobby first")
	execLine(t, srv, "SEND-MESSAGE alice pw lobby second")
	assert.Equal(t, "0 alice first\r\n1 alice second\r\n\r\n", execLine(t, srv, "GET-MESSAGES alice pw 0 lobby"))

	// The name resolves to the earliest room; the later one keeps its own empty log
	room, err := srv.db.GetRoom("lobby")
	require.NoError(t, err)
	assert.Equal(t, int64(0), room.ID)
	assert.Equal(t, 2, room.NextSequence)
	assert.Equal(t, 2, srv.db.Stats().Rooms)
	assert.Equal(t, 2, srv.db.Stats().Messages)
}

func TestEmptyNamesRejected(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, "ERROR (Empty user name)\r\n", execLine(t, srv, "ADD-USER  pw"))
	assert.Equal(t, "DENIED (NO USERS)\r\n", execLine(t, srv, "GET-ALL-USERS  pw"))

	execLine(t, srv, "ADD-USER alice pw")
	assert.Equal(t, "ERROR (Empty room name)\r\n", execLine(t, srv, "CREATE-ROOM alice pw"))
	assert.Equal(t, "ERROR (Empty room name)\r\n", execLine(t, srv, "CREATE-ROOM alice pw "))
	assert.Equal(t, "\r\n", execLine(t, srv, "LIST-ROOMS alice pw"))
	assert.Equal(t, "alice\r\n\r\n", execLine(t, srv, "GET-ALL-USERS alice pw"))
}

func TestUnknownCommand(t *testing.T) {
	srv := newTestServer(t)

	assert.Equal(t, "UNKNOWN COMMAND\r\n", execLine(t, srv, "FLY-AWAY alice pw"))
	assert.Equal(t, "UNKNOWN COMMAND\r\n", execLine(t, srv, "add-user alice pw"), "verbs are case sensitive")
	assert.Equal(t, "UNKNOWN COMMAND\r\n", execLine(t, srv, "ADD-USER alice"))
	assert.Equal(t, "UNKNOWN COMMAND\r\n", execLine(t, srv, ""))
}

func TestRoomLifecycle(t *testing.T) {
	srv := newTestServer(t)
	execLine(t, srv, "ADD-USER alice pw")
	execLine(t, srv, "ADD-USER bob pw")

	assert.Equal(t, "OK\r\n", execLine(t, srv, "CREATE-ROOM alice pw lobby"))
	assert.Equal(t, "OK\r\n", execLine(t, srv, "CREATE-ROOM alice pw games"))
	assert.Equal(t, "lobby\r\ngames\r\n\r\n", execLine(t, srv, "LIST-ROOMS bob pw"))

	assert.Equal(t, "ERROR (No room)\r\n", execLine(t, srv, "ENTER-ROOM alice pw attic"))
	assert.Equal(t, "OK\r\n", execLine(t, srv, "ENTER-ROOM alice pw lobby"))
	assert.Equal(t, "OK\r\n", execLine(t, srv, "ENTER-ROOM bob pw lobby"))
	assert.Equal(t, "alice\r\nbob\r\n\r\n", execLine(t, srv, "GET-USERS-IN-ROOM alice pw lobby"))

	// Already in a room: acknowledged, membership unchanged
	assert.Equal(t, "OK\r\n", execLine(t, srv, "ENTER-ROOM alice pw games"))
	assert.Equal(t, "\r\n", execLine(t, srv, "GET-USERS-IN-ROOM alice pw games"))

	assert.Equal(t, "ERROR (Room DNE)\r\n", execLine(t, srv, "LEAVE-ROOM alice pw attic"))
	assert.Equal(t, "ERROR (No user in room)\r\n", execLine(t, srv, "LEAVE-ROOM alice pw games"))
	assert.Equal(t, "OK\r\n", execLine(t, srv, "LEAVE-ROOM alice pw lobby"))
	assert.Equal(t, "bob\r\n\r\n", execLine(t, srv, "GET-USERS-IN-ROOM alice pw lobby"))
	assert.Equal(t, "\r\n", execLine(t, srv, "GET-USERS-IN-ROOM alice pw attic"))

	// Free to move now
	assert.Equal(t, "OK\r\n", execLine(t, srv, "ENTER-ROOM alice pw games"))
	assert.Equal(t, "alice\r\n\r\n", execLine(t, srv, "GET-USERS-IN-ROOM bob pw games"))
}

func TestMessages(t *testing.T) {
	srv := newTestServer(t)
	execLine(t, srv, "ADD-USER alice pw")
	execLine(t, srv, "ADD-USER bob pw")
	execLine(t, srv, "CREATE-ROOM alice pw lobby")

	assert.Equal(t, "ERROR (No room)\r\n", execLine(t, srv, "SEND-MESSAGE alice pw attic hello"))
	assert.Equal(t, "ERROR (user not in room)\r\n", execLine(t, srv, "SEND-MESSAGE alice pw lobby hello"))
	assert.Equal(t, "ERROR (User not in room)\r\n", execLine(t, srv, "GET-MESSAGES alice pw 0 lobby"))

	execLine(t, srv, "ENTER-ROOM alice pw lobby")
	execLine(t, srv, "ENTER-ROOM bob pw lobby")

	assert.Equal(t, "NO-NEW-MESSAGES\r\n", execLine(t, srv, "GET-MESSAGES bob pw -1 lobby"))

	assert.Equal(t, "OK\r\n", execLine(t, srv, "SEND-MESSAGE alice pw lobby hello there  friend"))
	assert.Equal(t, "OK\r\n", execLine(t, srv, "SEND-MESSAGE bob pw lobby hi"))
	assert.Equal(t, "OK\r\n", execLine(t, srv, "SEND-MESSAGE alice pw lobby"))

	assert.Equal(t,
		"0 alice hello there  friend\r\n1 bob hi\r\n2 alice \r\n\r\n",
		execLine(t, srv, "GET-MESSAGES bob pw -1 lobby"))
	assert.Equal(t,
		"0 alice hello there  friend\r\n1 bob hi\r\n2 alice \r\n\r\n",
		execLine(t, srv, "GET-MESSAGES bob pw 0 lobby"))
	assert.Equal(t, "1 bob hi\r\n2 alice \r\n\r\n", execLine(t, srv, "GET-MESSAGES bob pw 1 lobby"))
	assert.Equal(t, "2 alice \r\n\r\n", execLine(t, srv, "GET-MESSAGES bob pw 2 lobby"))
	assert.Equal(t, "NO-NEW-MESSAGES\r\n", execLine(t, srv, "GET-MESSAGES bob pw 3 lobby"))
	assert.Equal(t, "NO-NEW-MESSAGES\r\n", execLine(t, srv, "GET-MESSAGES bob pw 99 lobby"))

	assert.Equal(t, "ERROR (Bad message number)\r\n", execLine(t, srv, "GET-MESSAGES bob pw abc lobby"))
	assert.Equal(t, "ERROR (Wrong password)\r\n", execLine(t, srv, "GET-MESSAGES bob nope 0 lobby"))
}

func TestGetMessagesIncludesLastSeen(t *testing.T) {
	srv := newTestServer(t)
	execLine(t, srv, "ADD-USER alice secret")
	execLine(t, srv, "CREATE-ROOM alice secret lobby")
	execLine(t, srv, "ENTER-ROOM alice secret lobby")
	assert.Equal(t, "OK\r\n", execLine(t, srv, "SEND-MESSAGE alice secret lobby hello world"))

	assert.Equal(t, "0 alice hello world\r\n\r\n", execLine(t, srv, "GET-MESSAGES alice secret 0 lobby"))
	assert.Equal(t, "NO-NEW-MESSAGES\r\n", execLine(t, srv, "GET-MESSAGES alice secret 1 lobby"))
}

func TestSequencesArePerRoom(t *testing.T) {
	srv := newTestServer(t)
	execLine(t, srv, "ADD-USER alice pw")
	execLine(t, srv, "ADD-USER bob pw")
	execLine(t, srv, "CREATE-ROOM alice pw one")
	execLine(t, srv, "CREATE-ROOM alice pw two")
	execLine(t, srv, "ENTER-ROOM alice pw one")
	execLine(t, srv, "ENTER-ROOM bob pw two")

	execLine(t, srv, "SEND-MESSAGE alice pw one a")
	execLine(t, srv, "SEND-MESSAGE alice pw one b")
	execLine(t, srv, "SEND-MESSAGE bob pw two c")

	assert.Equal(t, "0 alice a\r\n1 alice b\r\n\r\n", execLine(t, srv, "GET-MESSAGES alice pw -1 one"))
	assert.Equal(t, "0 bob c\r\n\r\n", execLine(t, srv, "GET-MESSAGES bob pw -1 two"))
}

func TestConcurrentSendsGetDistinctSequences(t *testing.T) {
	srv := newTestServer(t)
	execLine(t, srv, "ADD-USER reader pw")
	execLine(t, srv, "CREATE-ROOM reader pw lobby")
	execLine(t, srv, "ENTER-ROOM reader pw lobby")

	const senders = 8
	const perSender = 25
	for i := 0; i < senders; i++ {
		user := fmt.Sprintf("u%d", i)
		execLine(t, srv, "ADD-USER "+user+" pw")
	}

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i)
			execLine(t, srv, "ENTER-ROOM "+user+" pw lobby")
			for j := 0; j < perSender; j++ {
				execLine(t, srv, fmt.Sprintf("SEND-MESSAGE %s pw lobby m%d", user, j))
			}
		}(i)
	}
	wg.Wait()

	resp := exec(t, srv, "GET-MESSAGES reader pw -1 lobby")
	require.True(t, resp.List)
	require.Len(t, resp.Lines, senders*perSender)
	for i, line := range resp.Lines {
		seq, _, body, err := protocol.ParseMessage(line)
		require.NoError(t, err)
		assert.Equal(t, i, seq)
		assert.True(t, strings.HasPrefix(body, "m"))
	}
}

func TestSessionStateAfterHandling(t *testing.T) {
	srv := newTestServer(t)
	execLine(t, srv, "ADD-USER alice pw")

	run := func(line string) SessionState {
		sess := srv.sessions.CreateSession("test", nopConn{}, "127.0.0.1:1")
		defer srv.sessions.RemoveSession(sess.ID)
		req, err := protocol.ParseRequest(line)
		require.NoError(t, err)
		sess.transition(StateParsed)
		srv.handleRequest(sess, req)
		return sess.State()
	}

	assert.Equal(t, StateDispatched, run("LIST-ROOMS alice pw"))
	assert.Equal(t, StateDispatched, run("ADD-USER bob pw"))
	assert.Equal(t, StateRejected, run("LIST-ROOMS alice wrong"))
	assert.Equal(t, StateRejected, run("NOPE alice pw"))
}
