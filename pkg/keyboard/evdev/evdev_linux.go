//go:build linux

package evdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/MrWong99/keyscribe/pkg/keyboard"
)

// eventSize is sizeof(struct input_event) on this architecture.
var eventSize = int(unsafe.Sizeof(unix.Timeval{})) + 8

// evIOCGKey returns the EVIOCGKEY(len) ioctl request number.
func evIOCGKey(n int) uintptr {
	const iocRead = 2
	return uintptr(iocRead)<<30 | uintptr(n)<<16 | uintptr('E')<<8 | 0x18
}

// ErrNoKeyboard is returned by [FindKeyboard] when no keyboard device node is
// visible.
var ErrNoKeyboard = errors.New("evdev: no keyboard device found")

// FindKeyboard returns the first keyboard event device listed under
// /dev/input/by-path.
func FindKeyboard() (string, error) {
	matches, err := filepath.Glob("/dev/input/by-path/*-event-kbd")
	if err != nil {
		return "", fmt.Errorf("evdev: glob keyboards: %w", err)
	}
	if len(matches) == 0 {
		return "", ErrNoKeyboard
	}
	return matches[0], nil
}

// Tap reads one evdev device. It implements [keyboard.Tap].
type Tap struct {
	path string
	ch   chan keyboard.TapEvent
	tr   translator

	mu         sync.Mutex
	f          *os.File
	closed     bool
	readerDone bool
	done       chan struct{}
	pub        sync.WaitGroup // publishers of resync events still sending
}

// New returns a tap for the device node at path. The device is opened by the
// first Enable call.
func New(path string) *Tap {
	return &Tap{
		path: path,
		ch:   make(chan keyboard.TapEvent, 64),
		done: make(chan struct{}),
	}
}

// Enable opens the device on first use. Later calls follow a disabled notice:
// they resynchronise from the kernel's key bitmap and publish the difference
// (new modifier flags, keys released or pressed during the overrun) so a
// binding released while records were dropped is observed.
func (t *Tap) Enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return os.ErrClosed
	}
	if t.f == nil {
		f, err := os.Open(t.path)
		if err != nil {
			return fmt.Errorf("evdev: open %s: %w", t.path, err)
		}
		t.f = f
		t.tr.resync(nil)
		go t.readLoop(f)
		return nil
	}

	if t.readerDone {
		// The events channel is closing; the consumer sees that instead.
		return nil
	}

	var bitmap [keyBitmapLen]byte
	if err := t.keyState(bitmap[:]); err != nil {
		return fmt.Errorf("evdev: read key state: %w", err)
	}
	t.publishLocked(t.tr.resync(bitmap[:]))
	return nil
}

// publishLocked queues evs without blocking the caller, which is usually the
// consumer of the channel itself. Whatever does not fit is delivered in order
// by a helper goroutine.
func (t *Tap) publishLocked(evs []keyboard.TapEvent) {
	for i, ev := range evs {
		select {
		case t.ch <- ev:
			continue
		default:
		}
		rest := evs[i:]
		t.pub.Add(1)
		go func() {
			defer t.pub.Done()
			for _, ev := range rest {
				select {
				case t.ch <- ev:
				case <-t.done:
					return
				}
			}
		}()
		return
	}
}

func (t *Tap) keyState(bitmap []byte) error {
	rc, err := t.f.SyscallConn()
	if err != nil {
		return err
	}
	var errno unix.Errno
	ctrlErr := rc.Control(func(fd uintptr) {
		_, _, errno = unix.Syscall(unix.SYS_IOCTL, fd, evIOCGKey(len(bitmap)), uintptr(unsafe.Pointer(&bitmap[0])))
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	if errno != 0 {
		return errno
	}
	return nil
}

// Events returns the tap's event channel. It is closed when the device can
// no longer be read.
func (t *Tap) Events() <-chan keyboard.TapEvent { return t.ch }

// Close stops the reader and closes the device.
func (t *Tap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	if t.f == nil {
		close(t.ch)
		return nil
	}
	return t.f.Close()
}

func (t *Tap) readLoop(f *os.File) {
	defer func() {
		t.mu.Lock()
		t.readerDone = true
		t.mu.Unlock()
		t.pub.Wait()
		close(t.ch)
	}()

	buf := make([]byte, eventSize*64)
	tv := eventSize - 8
	for {
		n, err := f.Read(buf)
		if err != nil {
			return
		}
		for off := 0; off+eventSize <= n; off += eventSize {
			rec := buf[off+tv : off+eventSize]
			typ := binary.LittleEndian.Uint16(rec[0:2])
			code := binary.LittleEndian.Uint16(rec[2:4])
			value := int32(binary.LittleEndian.Uint32(rec[4:8]))

			ev, ok := t.tr.translate(typ, code, value)
			if !ok {
				continue
			}
			select {
			case t.ch <- ev:
			case <-t.done:
				return
			}
		}
	}
}

// Ensure Tap implements keyboard.Tap at compile time.
var _ keyboard.Tap = (*Tap)(nil)
