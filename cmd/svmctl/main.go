// Command svmctl is the user-mode control-channel client for the
// hypervisor's control device (spec §6): it opens the device file and
// issues the INSTALL/UNLOAD control codes via ioctl(2), the same
// unix.Syscall(unix.SYS_IOCTL, ...) pattern the pack's own userspace-to-
// driver control channels use (e.g. the pack's TTY ioctls in
// cli/console.go).
package main

import (
	"flag"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/eaxio/svmhv/internal/ioctl"
)

const defaultDevicePath = "/dev/svmhv"

func main() {
	devicePath := flag.String("device", defaultDevicePath, "control device path")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: svmctl [-device path] install|unload")
		os.Exit(2)
	}

	var code uint32
	switch flag.Arg(0) {
	case "install":
		code = ioctl.INSTALL
	case "unload":
		code = ioctl.UNLOAD
	default:
		fmt.Fprintf(os.Stderr, "svmctl: unknown command %q\n", flag.Arg(0))
		os.Exit(2)
	}

	if err := issue(*devicePath, code); err != nil {
		fmt.Fprintf(os.Stderr, "svmctl: %v\n", err)
		os.Exit(1)
	}
}

// issue opens the control device and sends one buffered ioctl carrying no
// payload (spec §6's three codes are triggers, not data transfers).
func issue(devicePath string, code uint32) error {
	fd, err := unix.Open(devicePath, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", devicePath, err)
	}
	defer unix.Close(fd)

	var arg uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(code), uintptr(unsafe.Pointer(&arg))); errno != 0 {
		return fmt.Errorf("ioctl 0x%x: %w", code, errno)
	}
	return nil
}
