//go:build linux

package linux

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// maxEpollEvents is the number of events fetched per epoll_wait.
const maxEpollEvents = 8

// poller waits for readability on a set of file descriptors and runs a
// callback for each ready one on its own goroutine.
type poller struct {
	epfd   int
	wakefd int // eventfd that interrupts epoll_wait on close

	mu   sync.Mutex
	fds  map[int]func()
	stop bool

	done chan struct{} // Closed when the loop has exited
}

// newPoller creates a poller and starts its loop.
func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &poller{
		epfd:   epfd,
		wakefd: wakefd,
		fds:    make(map[int]func()),
		done:   make(chan struct{}),
	}
	if err := p.ctl(unix.EPOLL_CTL_ADD, wakefd); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	go p.loop()
	return p, nil
}

func (p *poller) ctl(op, fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, op, fd, &ev)
}

// add watches fd and runs fn whenever it is readable.
func (p *poller) add(fd int, fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ctl(unix.EPOLL_CTL_ADD, fd); err != nil {
		return err
	}
	p.fds[fd] = fn
	return nil
}

// close stops the loop and waits for it to exit. No callback runs after
// close returns.
func (p *poller) close() error {
	p.mu.Lock()
	if p.stop {
		p.mu.Unlock()
		return nil
	}
	p.stop = true
	p.mu.Unlock()

	var one [8]byte
	one[0] = 1
	_, err := unix.Write(p.wakefd, one[:])
	<-p.done

	unix.Close(p.wakefd)
	unix.Close(p.epfd)
	return err
}

func (p *poller) loop() {
	defer close(p.done)
	var events [maxEpollEvents]unix.EpollEvent
	for {
		n, err := unix.EpollWait(p.epfd, events[:], -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
		for _, ev := range events[:n] {
			fd := int(ev.Fd)
			if fd == p.wakefd {
				return
			}
			p.mu.Lock()
			fn, stop := p.fds[fd], p.stop
			p.mu.Unlock()
			if stop {
				return
			}
			if fn != nil {
				fn()
			}
		}
	}
}
