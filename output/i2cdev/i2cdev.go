// Package i2cdev adapts a Linux /dev/i2c-N character device to the
// drivers.I2C transaction interface used by the register-level chip
// drivers.
package i2cdev

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// I2C_SLAVE ioctl from linux/i2c-dev.h.
const i2cSlave = 0x0703

// Bus is an open I2C adapter. Transactions are serialized; the kernel
// device holds one slave address at a time.
type Bus struct {
	mu   sync.Mutex
	f    *os.File
	addr uint16 // last address set on the device
}

// Open opens I2C adapter n (/dev/i2c-n).
func Open(n int) (*Bus, error) {
	path := fmt.Sprintf("/dev/i2c-%d", n)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	return &Bus{f: f}, nil
}

// Tx writes w to addr, then reads len(r) bytes if r is non-empty. The
// read reuses the same file descriptor, so it is a stop/start pair
// rather than a repeated start; the chips driven here tolerate that.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.setAddr(addr); err != nil {
		return err
	}
	if len(w) > 0 {
		if _, err := b.f.Write(w); err != nil {
			return errors.Wrapf(err, "i2c write to 0x%02x", addr)
		}
	}
	if len(r) > 0 {
		if _, err := b.f.Read(r); err != nil {
			return errors.Wrapf(err, "i2c read from 0x%02x", addr)
		}
	}
	return nil
}

func (b *Bus) setAddr(addr uint16) error {
	if addr == b.addr {
		return nil
	}
	if err := unix.IoctlSetInt(int(b.f.Fd()), i2cSlave, int(addr)); err != nil {
		return errors.Wrapf(err, "selecting i2c address 0x%02x", addr)
	}
	b.addr = addr
	return nil
}

func (b *Bus) Close() error {
	return b.f.Close()
}
