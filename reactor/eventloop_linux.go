//go:build linux

package reactor

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"redismap/util/log"
)

const (
	epollRead     = unix.EPOLLIN | unix.EPOLLET
	epollClose    = unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
	epollWritable = unix.EPOLLOUT
	waitMsec      = 100
)

// EventLoop multiplexes every reactor connection on one epoll instance, edge triggered.
// A single goroutine reads sockets, decodes replies and wakes the waiting calls.
type EventLoop struct {
	epollFd int
	conns   sync.Map
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewEventLoop() (*EventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create error: %w", err)
	}
	l := &EventLoop{
		epollFd: epfd,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Dial connects to addr and registers the socket with the loop.
func (l *EventLoop) Dial(ctx context.Context, addr string) (*Conn, error) {
	select {
	case <-l.closing:
		return nil, ErrLoopClosed
	default:
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer nc.Close()
	tcpConn, ok := nc.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("unexpected connection type %T", nc)
	}
	f, err := tcpConn.File()
	if err != nil {
		return nil, err
	}
	// the loop owns its own descriptor; nc and f are closed on return
	fd, err := unix.Dup(int(f.Fd()))
	_ = f.Close()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set socket non-block error: %w", err)
	}
	conn := newConn(nc.RemoteAddr().String(), &fdTransport{loop: l, fd: fd})
	l.conns.Store(fd, conn)
	event := &unix.EpollEvent{Events: epollRead | epollClose | epollWritable, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_ADD, fd, event); err != nil {
		l.conns.Delete(fd)
		_ = unix.Close(fd)
		return nil, fmt.Errorf("epoll ctl error: %w", err)
	}
	return conn, nil
}

func (l *EventLoop) run() {
	defer close(l.done)
	events := make([]unix.EpollEvent, 256)
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-l.closing:
			return
		default:
		}
		n, err := unix.EpollWait(l.epollFd, events, waitMsec)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Errorf("epoll wait error: %v", err)
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			v, ok := l.conns.Load(fd)
			if !ok {
				continue
			}
			conn := v.(*Conn)
			if events[i].Events&(unix.EPOLLIN|epollClose) != 0 {
				l.drain(conn, fd, buf)
			}
			if events[i].Events&epollWritable != 0 {
				conn.onWritable()
			}
		}
	}
}

// drain reads until EAGAIN, as required by edge triggered notification.
func (l *EventLoop) drain(conn *Conn, fd int, buf []byte) {
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			conn.onRead(buf[:n])
			continue
		}
		switch {
		case err == unix.EAGAIN:
			return
		case err == unix.EINTR:
			continue
		case err == nil:
			err = io.EOF
		}
		conn.onError(err)
		return
	}
}

func (l *EventLoop) remove(fd int) error {
	if _, ok := l.conns.LoadAndDelete(fd); !ok {
		return nil
	}
	_ = unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_DEL, fd, nil)
	return unix.Close(fd)
}

// Close stops the loop and fails every registered connection with ErrLoopClosed.
func (l *EventLoop) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closing)
		<-l.done
		l.conns.Range(func(_, v interface{}) bool {
			v.(*Conn).onError(ErrLoopClosed)
			return true
		})
		err = unix.Close(l.epollFd)
	})
	return err
}

type fdTransport struct {
	loop  *EventLoop
	fd    int
	spill []byte
}

func (t *fdTransport) write(p []byte) error {
	if len(t.spill) > 0 {
		t.spill = append(t.spill, p...)
		return nil
	}
	for len(p) > 0 {
		n, err := unix.Write(t.fd, p)
		if err != nil {
			if err == unix.EAGAIN {
				// the rest goes out on EPOLLOUT
				t.spill = append(t.spill, p...)
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			return err
		}
		p = p[n:]
	}
	return nil
}

func (t *fdTransport) flush() error {
	for len(t.spill) > 0 {
		n, err := unix.Write(t.fd, t.spill)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			return err
		}
		t.spill = t.spill[n:]
	}
	t.spill = nil
	return nil
}

func (t *fdTransport) close() error {
	return t.loop.remove(t.fd)
}
