package tenant

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/signagehq/voicerelay/internal/logger"
)

// PromptCache stores rendered prompts by tenant id.
type PromptCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Builder renders system prompts from the tenant store.
type Builder struct {
	store Store
	cache PromptCache
	log   *logger.Logger
}

// NewBuilder creates a Builder. cache may be nil.
func NewBuilder(store Store, cache PromptCache, log *logger.Logger) *Builder {
	return &Builder{store: store, cache: cache, log: log}
}

// BuildSystemPrompt returns the system prompt for tenantID. It never fails
// and never returns an empty string: store errors and missing tenants yield
// the fallback prompt.
func (b *Builder) BuildSystemPrompt(ctx context.Context, tenantID string) string {
	fields := logrus.Fields{"tenant_id": tenantID}

	if b.cache != nil {
		prompt, ok, err := b.cache.Get(ctx, tenantID)
		if err != nil {
			b.log.Warn("prompt cache read failed", fields, logrus.Fields{"error": err.Error()})
		} else if ok && prompt != "" {
			return prompt
		}
	}

	if b.store == nil {
		return FallbackPrompt()
	}

	doc, err := b.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			b.log.Warn("tenant not found, using fallback prompt", fields)
		} else {
			b.log.Error("tenant fetch failed, using fallback prompt", fields, logrus.Fields{"error": err.Error()})
		}
		return FallbackPrompt()
	}
	if doc == nil {
		return FallbackPrompt()
	}

	content, err := b.store.ListContent(ctx, tenantID)
	if err != nil {
		b.log.Warn("tenant content fetch failed, using record screens", fields, logrus.Fields{"error": err.Error()})
	}

	prompt := Render(FromDocument(tenantID, doc, content))

	if b.cache != nil {
		if err := b.cache.Set(ctx, tenantID, prompt); err != nil {
			b.log.Warn("prompt cache write failed", fields, logrus.Fields{"error": err.Error()})
		}
	}

	return prompt
}
