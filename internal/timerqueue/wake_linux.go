//go:build linux

package timerqueue

import (
	"golang.org/x/sys/unix"

	"github.com/joeycumines/runtimecore/rtlog"
)

// wakeSource is the platform wake primitive backing a TimerQueue's
// wake-thunk, grounded on the teacher's wakeup_linux.go createWakeFd
// (an EFD_CLOEXEC|EFD_NONBLOCK eventfd) rather than a bare Go channel,
// so the timer thread's sleep/wake really does park on a kernel
// primitive instead of busy-polling a channel select.
type wakeSource struct {
	fd   int
	wake chan struct{}
	stop chan struct{}
}

// newWakeSource creates an eventfd-backed wake source and starts the
// background reader goroutine that forwards fd readiness onto wake.
func newWakeSource() *wakeSource {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		// Falls back to a pure-channel wake source (matches the
		// teacher's isWakeFdSupported() false-path): eventfd creation
		// can fail under restrictive seccomp/container sandboxes.
		rtlog.Warn(rtlog.CategoryTimer).Err(err).Msg("eventfd unavailable, falling back to channel wake")
		return &wakeSource{fd: -1, wake: make(chan struct{}, 1), stop: make(chan struct{})}
	}
	w := &wakeSource{fd: fd, wake: make(chan struct{}, 1), stop: make(chan struct{})}
	go w.drain()
	return w
}

func (w *wakeSource) drain() {
	pfd := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
	var buf [8]byte
	for {
		select {
		case <-w.stop:
			return
		default:
		}
		n, err := unix.Poll(pfd, 250)
		if err != nil || n == 0 {
			continue
		}
		if _, err := unix.Read(w.fd, buf[:]); err != nil {
			continue
		}
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// signal wakes any goroutine blocked in Chan(), matching eventfd's
// write-to-increment-counter semantics (spec.md's "kick"); safe to
// call from any goroutine, any number of times.
func (w *wakeSource) signal() {
	if w.fd >= 0 {
		var buf [8]byte
		buf[7] = 1
		_, _ = unix.Write(w.fd, buf[:])
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *wakeSource) Chan() <-chan struct{} { return w.wake }

func (w *wakeSource) Close() {
	close(w.stop)
	if w.fd >= 0 {
		_ = unix.Close(w.fd)
	}
}
