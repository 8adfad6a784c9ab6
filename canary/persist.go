package canary

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/stockbot-io/stockbot/iox"
	"github.com/stockbot-io/stockbot/log"
	"github.com/stockbot-io/stockbot/types"
)

// Session file names under the session's out_dir.
const (
	AuditFileName   = "live_audit.jsonl"
	SummaryFileName = "live_metrics.json"
	MetaFileName    = "live_session.json"
)

// persister owns the session's audit log and summary files. Persistence is
// best-effort: failures after setup are logged and never abort a state
// transition.
type persister struct {
	outDir  string
	logger  *log.Logger
	audit   *os.File
	encoder *json.Encoder
}

func newPersister(outDir string, logger *log.Logger) (*persister, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir %s: %w", outDir, err)
	}
	audit, err := os.OpenFile(filepath.Join(outDir, AuditFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &persister{
		outDir:  outDir,
		logger:  logger,
		audit:   audit,
		encoder: json.NewEncoder(audit),
	}, nil
}

// appendAudit writes one JSON line to the audit log.
func (p *persister) appendAudit(record map[string]any) {
	if err := p.encoder.Encode(record); err != nil {
		p.logger.Warn("audit append failed", map[string]any{"error": err.Error()})
	}
}

// writeSummary atomically rewrites the rolling summary file.
func (p *persister) writeSummary(summary map[string]any) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		p.logger.Warn("summary marshal failed", map[string]any{"error": err.Error()})
		return
	}
	path := filepath.Join(p.outDir, SummaryFileName)
	if err := iox.WriteFileAtomic(path, data, 0o644); err != nil {
		p.logger.Warn("summary write failed", map[string]any{"error": err.Error()})
	}
}

// writeSessionMeta records the session identity, config, and the VCS
// revision when one is discoverable.
func (p *persister) writeSessionMeta(sessionID string, startedAt time.Time, cfg types.CanaryConfig) {
	meta := map[string]any{
		"session_id": sessionID,
		"started_at": startedAt.Format(time.RFC3339Nano),
		"config":     cfg,
		"version":    types.Version,
	}
	if rev := vcsRevision(); rev != "" {
		meta["vcs_revision"] = rev
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		p.logger.Warn("session meta marshal failed", map[string]any{"error": err.Error()})
		return
	}
	if err := iox.WriteFileAtomic(filepath.Join(p.outDir, MetaFileName), data, 0o644); err != nil {
		p.logger.Warn("session meta write failed", map[string]any{"error": err.Error()})
	}
}

func (p *persister) close() {
	iox.DiscardClose(p.audit)
}

// vcsRevision returns the current git HEAD, or empty when not in a
// repository or git is unavailable.
func vcsRevision() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
