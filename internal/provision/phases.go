package provision

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/vpsdeck/internal/catalog"
	"github.com/gluk-w/vpsdeck/internal/events"
	"github.com/gluk-w/vpsdeck/internal/sshexec"
	"github.com/gluk-w/vpsdeck/internal/sshsession"
)

// syntheticStep is how far each heartbeat tick moves a script phase.
const syntheticStep = 5

// Remote scripts report their own progress with lines like "PROGRESS 40".
var progressLine = regexp.MustCompile(`^PROGRESS\s+(\d{1,3})\s*$`)

// domainLabel matches one lowercase DNS label.
var domainLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// validDomain reports whether d is a lowercase hostname that is safe to
// render into nginx and shell templates.
func validDomain(d string) bool {
	if len(d) > 253 {
		return false
	}
	for _, label := range strings.Split(d, ".") {
		if !domainLabel.MatchString(label) {
			return false
		}
	}
	return true
}

// templateData is what plan templates render against.
type templateData struct {
	Host     string
	Username string
	Domain   string
	Template catalog.Template
	Now      string
	// Sudo is "" when connected as root and "sudo -n " otherwise.
	Sudo string
}

// phaseRun carries the state shared by the phases of one job.
type phaseRun struct {
	e     *Engine
	j     *job
	total int
	data  templateData

	index int
	name  string
}

func (r *phaseRun) begin(i int) {
	now := time.Now().UTC()
	r.index = i

	r.j.mu.Lock()
	ph := &r.j.phases[i]
	r.name = ph.Name
	ph.Status = StatusRunning
	ph.StartedAt = &now
	r.j.mu.Unlock()

	overall := r.j.advance(i * 100 / r.total)
	r.e.emit(r.j, events.KindPhaseStart, map[string]any{
		"phase":   r.name,
		"index":   i,
		"total":   r.total,
		"percent": overall,
	})
	r.e.persist(r.j)
}

func (r *phaseRun) complete() {
	now := time.Now().UTC()
	r.j.mu.Lock()
	ph := &r.j.phases[r.index]
	ph.Status = StatusCompleted
	ph.Percent = 100
	ph.EndedAt = &now
	r.j.mu.Unlock()

	overall := r.j.advance((r.index + 1) * 100 / r.total)
	r.e.emit(r.j, events.KindPhaseComplete, map[string]any{
		"phase":   r.name,
		"percent": overall,
	})
	r.e.persist(r.j)
}

func (r *phaseRun) fail(spec PhaseSpec, err error) {
	now := time.Now().UTC()
	r.j.mu.Lock()
	ph := &r.j.phases[r.index]
	ph.Status = StatusError
	ph.Error = err.Error()
	ph.EndedAt = &now
	r.j.mu.Unlock()

	r.e.emit(r.j, events.KindPhaseError, map[string]any{
		"phase":   r.name,
		"message": err.Error(),
		"fatal":   spec.IsFatal(),
	})
	r.e.persist(r.j)
}

// progress records phase progress and publishes it. The whole step runs
// under emitMu so percentages leave the job in non-decreasing order.
func (r *phaseRun) progress(pct int, synthetic bool) {
	r.j.emitMu.Lock()
	defer r.j.emitMu.Unlock()

	if pct > 99 {
		pct = 99
	}
	r.j.mu.Lock()
	ph := &r.j.phases[r.index]
	if pct > ph.Percent {
		ph.Percent = pct
	}
	cur := ph.Percent
	r.j.mu.Unlock()

	overall := r.j.advance((r.index*100 + cur) / r.total)
	r.e.emitLocked(r.j, events.KindPhaseProgress, map[string]any{
		"phase":        r.name,
		"phasePercent": cur,
		"percent":      overall,
		"synthetic":    synthetic,
	})
}

func (r *phaseRun) onLine(line string) {
	if m := progressLine.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
		if pct, err := strconv.Atoi(m[1]); err == nil && pct <= 100 {
			r.progress(pct, false)
			return
		}
	}
	r.e.emit(r.j, events.KindOutput, map[string]any{"phase": r.name, "line": line})
}

func (r *phaseRun) runPhase(ctx context.Context, spec PhaseSpec, cs sshexec.CredentialSet) error {
	switch spec.Kind {
	case KindConnect:
		return r.connect(ctx, cs)
	case KindVerifyOS:
		return r.verifyOS(ctx, spec)
	case KindVerifySudo:
		return r.verifySudo(ctx, spec)
	case KindCommands:
		return r.commands(ctx, spec)
	case KindScript:
		return r.script(ctx, spec)
	}
	return fmt.Errorf("unknown phase kind %q", spec.Kind)
}

func (r *phaseRun) connect(ctx context.Context, cs sshexec.CredentialSet) error {
	s, err := r.e.sessions.Open(ctx, r.j.userID, cs, sshsession.KindExec, sshsession.OpenOptions{})
	if err != nil {
		return err
	}
	r.j.mu.Lock()
	r.j.sessionID = s.ID
	cancelled := r.j.cancelRequested
	r.j.mu.Unlock()
	if cancelled {
		return errCancelled
	}
	r.e.emit(r.j, events.KindOutput, map[string]any{
		"phase": r.name,
		"line":  fmt.Sprintf("connected as %s", cs.Username),
	})
	return nil
}

func (r *phaseRun) exec(ctx context.Context, command string, onLine func(string)) (sshexec.Result, error) {
	return r.e.sessions.ExecStream(ctx, r.j.session(), command, onLine)
}

func (r *phaseRun) verifyOS(ctx context.Context, spec PhaseSpec) error {
	res, err := r.exec(ctx, spec.Command, nil)
	var remote *sshexec.RemoteCommandError
	if errors.As(err, &remote) {
		return &UnsupportedEnvironmentError{Check: "os", Detail: "cannot read /etc/os-release"}
	}
	if err != nil {
		return err
	}

	id, version := parseOSRelease(res.Stdout)
	if !supportedOS(id, spec.SupportedOS) {
		return &UnsupportedEnvironmentError{
			Check:  "os",
			Detail: fmt.Sprintf("%s %s is not supported (need %s)", id, version, strings.Join(spec.SupportedOS, ", ")),
		}
	}
	if spec.MinVersion != "" && compareVersions(version, spec.MinVersion) < 0 {
		return &UnsupportedEnvironmentError{
			Check:  "os",
			Detail: fmt.Sprintf("%s %s is older than %s", id, version, spec.MinVersion),
		}
	}
	r.e.emit(r.j, events.KindOutput, map[string]any{"phase": r.name, "line": fmt.Sprintf("detected %s %s", id, version)})
	return nil
}

func (r *phaseRun) verifySudo(ctx context.Context, spec PhaseSpec) error {
	res, err := r.exec(ctx, spec.Command, nil)
	if err != nil {
		return err
	}
	switch strings.TrimSpace(res.Stdout) {
	case "root":
		r.data.Sudo = ""
	case "sudo":
		r.data.Sudo = "sudo -n "
	default:
		return &UnsupportedEnvironmentError{Check: "sudo", Detail: "user is not root and has no passwordless sudo"}
	}
	return nil
}

func (r *phaseRun) commands(ctx context.Context, spec PhaseSpec) error {
	steps := len(spec.Commands) + len(spec.Uploads) + len(spec.AfterUpload) + len(spec.Detect)
	done := 0
	step := func() {
		done++
		if done < steps {
			r.progress(done*100/steps, false)
		}
	}

	for _, src := range spec.Commands {
		if err := r.runCommand(ctx, src); err != nil {
			return err
		}
		step()
	}
	for _, u := range spec.Uploads {
		if err := r.upload(ctx, u); err != nil {
			return err
		}
		step()
	}
	for _, src := range spec.AfterUpload {
		if err := r.runCommand(ctx, src); err != nil {
			return err
		}
		step()
	}

	if len(spec.Detect) > 0 {
		features, err := detectFeatures(spec.Detect, func(cmd string) error {
			_, err := r.exec(ctx, cmd, nil)
			return err
		})
		if err != nil {
			return err
		}
		r.j.mu.Lock()
		for k, v := range features {
			r.j.features[k] = v
		}
		r.j.mu.Unlock()
	}
	return nil
}

func (r *phaseRun) runCommand(ctx context.Context, src string) error {
	cmd, err := render(src, r.data)
	if err != nil {
		return err
	}
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return nil
	}
	if _, err := r.exec(ctx, cmd, r.onLine); err != nil {
		return fmt.Errorf("%s: %w", describe(cmd), err)
	}
	return nil
}

func (r *phaseRun) upload(ctx context.Context, u UploadSpec) error {
	path, err := render(u.Path, r.data)
	if err != nil {
		return err
	}
	content, err := render(u.Content, r.data)
	if err != nil {
		return err
	}
	mode, err := parseMode(u.Mode)
	if err != nil {
		return err
	}
	if err := r.e.sessions.Upload(ctx, r.j.session(), path, []byte(content), mode); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

func (r *phaseRun) script(ctx context.Context, spec PhaseSpec) error {
	body, err := render(spec.Script, r.data)
	if err != nil {
		return err
	}
	path, err := render(spec.Path, r.data)
	if err != nil {
		return err
	}
	if err := r.e.sessions.Upload(ctx, r.j.session(), path, []byte(body), 0o700); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	run, err := render(spec.Run, r.data)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.e.opts.ProgressInterval)
		defer ticker.Stop()
		synthetic := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if synthetic += syntheticStep; synthetic > 95 {
					synthetic = 95
				}
				r.progress(synthetic, true)
			}
		}
	}()

	_, err = r.exec(ctx, strings.TrimSpace(run), r.onLine)
	close(stop)
	wg.Wait()
	if err != nil {
		return fmt.Errorf("%s: %w", describe(run), err)
	}
	return nil
}

// detectFeatures runs each detect command in key order. Exit status 0 means present,
// any other exit status means absent; transport errors abort.
func detectFeatures(detects map[string]string, run func(cmd string) error) (map[string]bool, error) {
	names := make([]string, 0, len(detects))
	for name := range detects {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]bool, len(names))
	for _, name := range names {
		err := run(detects[name])
		var remote *sshexec.RemoteCommandError
		switch {
		case err == nil:
			out[name] = true
		case errors.As(err, &remote):
			out[name] = false
		default:
			return nil, fmt.Errorf("detect %s: %w", name, err)
		}
	}
	return out, nil
}

// parseOSRelease reads the "ID VERSION_ID" line printed by verify_os.
func parseOSRelease(out string) (id, version string) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) > 0 {
		id = strings.ToLower(strings.Trim(fields[0], `"`))
	}
	if len(fields) > 1 {
		version = strings.Trim(fields[1], `"`)
	}
	return id, version
}

func supportedOS(id string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, id) {
			return true
		}
	}
	return false
}

// compareVersions compares dotted numeric versions such as "22.04".
// Missing or non-numeric components count as zero.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y int
		if i < len(as) {
			x, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			y, _ = strconv.Atoi(bs[i])
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

// describe shortens a command for error messages.
func describe(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if i := strings.IndexByte(cmd, '\n'); i >= 0 {
		cmd = cmd[:i] + " ..."
	}
	if len(cmd) > 80 {
		cmd = cmd[:77] + "..."
	}
	return cmd
}
