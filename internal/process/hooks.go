package process

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// Hook adjusts a command before it is started. Hooks take the place of code
// run in the child between fork and exec: everything they set is applied by
// the kernel while the child image is being replaced.
type Hook func(cmd *exec.Cmd) error

// Chdir runs the child in dir.
func Chdir(dir string) Hook {
	return func(cmd *exec.Cmd) error {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("chdir %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("chdir %s: not a directory", dir)
		}
		cmd.Dir = dir
		return nil
	}
}

// Chroot confines the child to root. Requires CAP_SYS_CHROOT.
func Chroot(root string) Hook {
	return func(cmd *exec.Cmd) error {
		sysProcAttr(cmd).Chroot = root
		return nil
	}
}

// RunAs drops the child's privileges to the named user and, optionally,
// group. An empty group selects the user's primary group. The gateway must
// run as root for the switch to succeed.
func RunAs(username, group string) Hook {
	return func(cmd *exec.Cmd) error {
		u, err := user.Lookup(username)
		if err != nil {
			return fmt.Errorf("lookup user %q: %w", username, err)
		}
		uid, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return fmt.Errorf("user %q: uid %q: %w", username, u.Uid, err)
		}

		gidStr := u.Gid
		if group != "" {
			g, err := user.LookupGroup(group)
			if err != nil {
				return fmt.Errorf("lookup group %q: %w", group, err)
			}
			gidStr = g.Gid
		}
		gid, err := strconv.ParseUint(gidStr, 10, 32)
		if err != nil {
			return fmt.Errorf("group %q: gid %q: %w", group, gidStr, err)
		}

		euid := unix.Geteuid()
		if euid != 0 && uint64(euid) != uid {
			return fmt.Errorf("run as %q: gateway is not running as root (euid %d)", username, euid)
		}

		// Supplementary groups are cleared when dropping from root.
		sysProcAttr(cmd).Credential = &syscall.Credential{
			Uid:         uint32(uid),
			Gid:         uint32(gid),
			Groups:      []uint32{},
			NoSetGroups: euid != 0,
		}
		return nil
	}
}

func sysProcAttr(cmd *exec.Cmd) *syscall.SysProcAttr {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	return cmd.SysProcAttr
}
