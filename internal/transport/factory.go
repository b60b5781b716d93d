package transport

import (
	"fmt"
	"log/slog"
)

type Kind string

const (
	KindNative  Kind = "native"
	KindOpenSSH Kind = "openssh"
)

// DialerOptions is the union of settings the two dialers understand.
type DialerOptions struct {
	Kind          Kind
	IdentityFile  string
	KnownHosts    string
	HostKeyPolicy string
	BatchMode     bool
	Prompt        PromptFunc
	Logger        *slog.Logger
}

// NewDialer builds the dialer selected by opts.Kind (native when empty).
func NewDialer(opts DialerOptions) (Dialer, error) {
	switch opts.Kind {
	case "", KindNative:
		policy, err := ParseHostKeyPolicy(opts.HostKeyPolicy)
		if err != nil {
			return nil, err
		}
		d := &NativeDialer{
			KnownHostsFile: opts.KnownHosts,
			HostKeyPolicy:  policy,
			UseAgent:       true,
			Logger:         opts.Logger,
		}
		if opts.IdentityFile != "" {
			d.IdentityFiles = []string{opts.IdentityFile}
		}
		if !opts.BatchMode {
			d.Prompt = opts.Prompt
		}
		return d, nil
	case KindOpenSSH:
		return &OpenSSHDialer{
			IdentityFile: opts.IdentityFile,
			BatchMode:    opts.BatchMode,
			Logger:       opts.Logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want native or openssh)", opts.Kind)
	}
}
