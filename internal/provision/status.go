package provision

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gluk-w/vpsdeck/internal/registry"
	"github.com/gluk-w/vpsdeck/internal/sshexec"
)

// CheckStatus checks the host for the features the full plan installs and
// records the result. It uses a short-lived connection of its own and
// never touches the configured flag.
func (e *Engine) CheckStatus(ctx context.Context, userID string, cs sshexec.CredentialSet) (map[string]bool, error) {
	defer cs.Wipe()
	if err := cs.Validate(); err != nil {
		return nil, err
	}

	plan, ok := e.opts.Plans[PlanFull]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, PlanFull)
	}

	client, err := sshexec.Dial(ctx, cs, sshexec.DialOptions{
		Timeout:         e.opts.DialTimeout,
		HostKeyCallback: e.opts.HostKeyCallback,
	})
	if err != nil {
		return nil, err
	}
	defer client.Close()

	features, err := detectFeatures(plan.DetectCommands(), func(cmd string) error {
		cmdCtx, cancel := context.WithTimeout(ctx, e.opts.DetectTimeout)
		defer cancel()
		_, err := sshexec.Run(cmdCtx, client, cmd)
		return err
	})
	if err != nil {
		return nil, err
	}

	if _, err := e.registry.Upsert(userID, cs.Host, registry.Patch{}); err != nil {
		return nil, err
	}
	if err := e.registry.RecordCheck(userID, cs.Host, features); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(features))
	for name, on := range features {
		names = append(names, fmt.Sprintf("%s=%t", name, on))
	}
	sort.Strings(names)
	if err := e.registry.AppendLog(userID, cs.Host, registry.LevelInfo, "Status check: "+strings.Join(names, " ")); err != nil {
		return nil, err
	}
	return features, nil
}
