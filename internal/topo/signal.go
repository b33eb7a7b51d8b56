package topo

import (
	"context"
	"fmt"
	"os/exec"
)

// Killall stops and continues whole process groups by program name, the same
// way a shell user would: killall -SIGSTOP/-SIGCONT -g <name>.
type Killall struct {
	Binary string
}

// NewKillall returns a signaler using the killall binary on PATH.
func NewKillall() *Killall {
	return &Killall{Binary: "killall"}
}

// Stop sends SIGSTOP to the process group of every process named name.
func (k *Killall) Stop(ctx context.Context, name string) error {
	return k.signal(ctx, "-SIGSTOP", name)
}

// Continue sends SIGCONT to the process group of every process named name.
func (k *Killall) Continue(ctx context.Context, name string) error {
	return k.signal(ctx, "-SIGCONT", name)
}

func (k *Killall) signal(ctx context.Context, sig, name string) error {
	cmd := exec.CommandContext(ctx, k.Binary, sig, "-g", name)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("killall %s -g %s: %w", sig, name, err)
	}
	return nil
}
