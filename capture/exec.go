// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package capture

import (
	"fmt"
	"os/exec"
	"runtime"
	"syscall"
)

// StartTraced starts cmd stopped at its first instruction after exec,
// calls setup with its pid, and then lets it run. The caller must Wait
// for cmd. If setup fails, the process is killed and reaped, and the
// setup error is returned.
func StartTraced(cmd *exec.Cmd, setup func(pid int) error) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Ptrace = true

	// The tracer is the thread which started the process: detaching
	// must happen on the same thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := cmd.Start(); err != nil {
		return err
	}
	kill := func() {
		// For good measure to avoid leaking a process.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(cmd.Process.Pid, &ws, 0, nil); err != nil {
		kill()
		return err
	}
	if !ws.Stopped() {
		kill()
		return fmt.Errorf("capture: tracee did not stop as expected: %v", ws)
	}

	// Note unusual error flow: if setup fails, we still need to detach
	// from the process before killing it.
	errSetup := setup(cmd.Process.Pid)

	if err := syscall.PtraceDetach(cmd.Process.Pid); err != nil {
		kill()
		return err
	}
	if errSetup != nil {
		kill()
		return errSetup
	}
	return nil
}
