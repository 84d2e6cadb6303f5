package relay

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/textgate/textgate/internal/config"
	"github.com/textgate/textgate/internal/core"
)

// Reloadable serves requests through the most recently stored Service so
// upstream headers and cookies can be refreshed without a restart. In-flight
// calls finish on the Service they started with.
type Reloadable struct {
	current atomic.Pointer[Service]
}

// NewReloadable builds a Reloadable around a Service for cfg.
func NewReloadable(cfg *config.Config) *Reloadable {
	r := &Reloadable{}
	r.Reload(cfg)
	return r
}

// Reload swaps in a Service built from cfg. A nil cfg is ignored.
func (r *Reloadable) Reload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	r.current.Store(NewService(cfg))
}

// Current returns the active Service.
func (r *Reloadable) Current() *Service {
	return r.current.Load()
}

func (r *Reloadable) Join(ctx context.Context, payload []byte) (json.RawMessage, error) {
	return r.Current().Join(ctx, payload)
}

func (r *Reloadable) QueueData(ctx context.Context, sessionHash string) ([]string, error) {
	return r.Current().QueueData(ctx, sessionHash)
}

func (r *Reloadable) QueueResult(ctx context.Context, sessionHash string) (*core.PolledResult, error) {
	return r.Current().QueueResult(ctx, sessionHash)
}

func (r *Reloadable) Humanize(ctx context.Context, payload []byte) (*HumanizeResult, error) {
	return r.Current().Humanize(ctx, payload)
}

func (r *Reloadable) Detect(ctx context.Context, payload []byte) (json.RawMessage, error) {
	return r.Current().Detect(ctx, payload)
}
