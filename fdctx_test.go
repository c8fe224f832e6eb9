package fiberhook

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestFdMgrLazyCreateAndDel(t *testing.T) {
	r := require.New(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	r.NoError(err)
	defer unix.Close(fds[1])

	m := NewFdMgr()

	r.Nil(m.Get(fds[0], false))

	c := m.Get(fds[0], true)
	r.NotNil(c)
	r.True(c.IsSocket())
	r.False(c.IsClosed())
	r.Equal(NoTimeout, c.RecvTimeoutMs())
	r.Equal(NoTimeout, c.SendTimeoutMs())

	same := m.Get(fds[0], true)
	r.Same(c, same)

	m.Del(fds[0])
	r.True(c.IsClosed())
	r.Nil(m.Get(fds[0], false))

	unix.Close(fds[0])
}

func TestFdCtxForcesKernelNonblock(t *testing.T) {
	r := require.New(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	r.NoError(err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	c := newFdCtx(fds[0])
	r.True(c.IsSocket())

	flags, err := unix.FcntlInt(uintptr(fds[0]), unix.F_GETFL, 0)
	r.NoError(err)
	r.NotZero(flags & unix.O_NONBLOCK)

	// The caller's own view starts as blocking: forcing O_NONBLOCK at
	// the kernel level must not be visible through UserNonblock.
	r.False(c.UserNonblock())
}

func TestFdCtxTimeoutRoundTrip(t *testing.T) {
	r := require.New(t)

	c := newFdCtx(-1)
	c.SetRecvTimeoutMs(100)
	r.Equal(100, c.RecvTimeoutMs())
	c.SetSendTimeoutMs(250)
	r.Equal(250, c.SendTimeoutMs())
}
