package ports

import (
	"context"
	"errors"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	StateListen      = "LISTEN"
	StateEstablished = "ESTABLISHED"
)

// Conn is one row of the OS TCP table.
type Conn struct {
	LocalPort  int
	RemotePort int
	Status     string
	PID        int32
}

// System is the slice of the OS process and socket tables the broker needs.
type System interface {
	Connections(ctx context.Context) ([]Conn, error)
	ProcessName(ctx context.Context, pid int32) (string, error)
	Terminate(ctx context.Context, pid int32) error
	Kill(ctx context.Context, pid int32) error
	Running(ctx context.Context, pid int32) (bool, error)
}

// OSSystem reads the real tables through gopsutil.
type OSSystem struct{}

func (OSSystem) Connections(ctx context.Context) ([]Conn, error) {
	stats, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	out := make([]Conn, 0, len(stats))
	for _, s := range stats {
		out = append(out, Conn{
			LocalPort:  int(s.Laddr.Port),
			RemotePort: int(s.Raddr.Port),
			Status:     s.Status,
			PID:        s.Pid,
		})
	}
	return out, nil
}

func (OSSystem) ProcessName(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

func (OSSystem) Terminate(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}

func (OSSystem) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

func (OSSystem) Running(ctx context.Context, pid int32) (bool, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, err
	}
	return p.IsRunningWithContext(ctx)
}
