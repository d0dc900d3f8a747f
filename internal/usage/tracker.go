package usage

import (
	"context"
	"log/slog"
	"time"

	guard "github.com/eugener/aiguard/internal"
	"github.com/eugener/aiguard/internal/storage"
)

// Recorder accepts usage records for asynchronous persistence.
type Recorder interface {
	Record(guard.UsageRecord)
}

// Event is one completed proxied exchange.
type Event struct {
	Meta         *guard.RequestMeta
	Method       string
	Path         string
	Status       int
	Duration     time.Duration
	RequestBody  []byte
	ResponseBody []byte
}

// Tracker composes usage records and advances project counters.
type Tracker struct {
	recorder Recorder
	projects storage.ProjectStore
	log      *slog.Logger
}

// NewTracker builds a Tracker.
func NewTracker(recorder Recorder, projects storage.ProjectStore, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{recorder: recorder, projects: projects, log: log}
}

// Track accounts for one exchange: emits a usage record and atomically
// increments the owning project's buckets. Each request moves the counters
// exactly once; failures are logged and swallowed.
func (t *Tracker) Track(ctx context.Context, ev Event) {
	meta := ev.Meta
	if meta == nil || meta.Principal == nil {
		return
	}

	tok := Extract(meta.Provider, ev.Path, ev.RequestBody, ev.ResponseBody)
	cost := Cost(tok.Model, tok.Prompt, tok.Completion)

	rec := guard.UsageRecord{
		UserID:           meta.Principal.User.ID,
		Provider:         meta.Provider,
		Endpoint:         ev.Path,
		Method:           ev.Method,
		Model:            tok.Model,
		PromptTokens:     tok.Prompt,
		CompletionTokens: tok.Completion,
		TotalTokens:      tok.Total,
		Cost:             cost,
		ResponseTimeMs:   ev.Duration.Milliseconds(),
		StatusCode:       ev.Status,
		Timestamp:        time.Now().UTC(),
	}
	if meta.Project != nil {
		rec.ProjectID = meta.Project.ID
	}
	if meta.KeySource != "" {
		rec.Metadata = map[string]string{"keySource": string(meta.KeySource)}
	}
	t.recorder.Record(rec)

	if meta.Project == nil {
		return
	}

	delta := storage.UsageDelta{Requests: 1, Tokens: tok.Total}
	if delta.Tokens == 0 {
		delta.Tokens = 1
	}
	if cost != nil {
		delta.Cost = *cost
	}

	// Counter movement happens off the response path.
	projectID := meta.Project.ID
	bg := context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(bg, 5*time.Second)
		defer cancel()
		if err := t.projects.IncrementUsage(ctx, projectID, delta); err != nil {
			t.log.LogAttrs(ctx, slog.LevelError, "usage increment failed",
				slog.String("project_id", projectID),
				slog.String("error", err.Error()),
			)
		}
	}()
}
