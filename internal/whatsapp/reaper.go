package whatsapp

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// TagFlag marks a process as owned by a session. The bundled drivers run in
// process and launch nothing; an out-of-process driver or helper must pass
// TagFlag+ProcessTag(prefix, tenant) for teardown to find it.
const TagFlag = "--wagate-tag="

// Reaper terminates OS processes left behind by a tenant's handle.
type Reaper interface {
	Reap(ctx context.Context, tag string) (int, error)
}

// ProcessReaper kills processes whose command line carries the exact session tag.
type ProcessReaper struct{}

func NewProcessReaper() *ProcessReaper {
	return &ProcessReaper{}
}

func (r *ProcessReaper) Reap(ctx context.Context, tag string) (int, error) {
	if tag == "" {
		return 0, nil
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	self := int32(os.Getpid())
	killed := 0
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || !matchesTag(args, tag) {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			zap.L().Warn("whatsapp: kill tagged process failed",
				zap.Int32("pid", p.Pid), zap.String("tag", tag), zap.Error(err))
			continue
		}
		killed++
	}
	return killed, nil
}

// matchesTag requires an exact flag match so one tenant's tag never matches
// another tenant whose id shares a prefix.
func matchesTag(args []string, tag string) bool {
	want := TagFlag + tag
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}
