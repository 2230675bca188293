// Package pagination fetches a conversation's history one page at a time
// and tracks when the history is exhausted.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"matchchat/internal/models"
	"matchchat/internal/observability"
)

const DefaultPageSize = 10

var errEmptyResponse = errors.New("empty history response")

// Fetcher loads one page of a conversation's messages.
type Fetcher interface {
	GetMessages(ctx context.Context, conversationID int64, page, size int) (*models.MessagePage, error)
}

// Result is the outcome of a page request. Fetched is false when the request
// was gated and nothing was loaded. Stale marks messages served from the
// cache after a failed fetch.
type Result struct {
	Messages []models.ChatMessage
	HasMore  bool
	Fetched  bool
	Stale    bool
}

type State struct {
	ConversationID int64 `json:"conversation_id"`
	Cursor         int   `json:"cursor"`
	HasMore        bool  `json:"has_more"`
	Loading        bool  `json:"loading"`
}

type Pager struct {
	fetcher Fetcher
	size    int
	pages   *cache.Cache
	log     *zap.Logger

	mu      sync.Mutex
	started bool
	conv    int64
	cursor  int
	hasMore bool
	loading bool
	gen     uint64
}

func New(fetcher Fetcher, pageSize int, cacheTTL time.Duration, log *zap.Logger) *Pager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &Pager{
		fetcher: fetcher,
		size:    pageSize,
		pages:   cache.New(cacheTTL, 2*cacheTTL),
		log:     log,
	}
}

func cacheKey(conversationID int64, page int) string {
	return fmt.Sprintf("%d:%d", conversationID, page)
}

// LoadPage fetches pageIndex of a conversation. Page 0 always resets the
// cursor. Later pages load only when pageIndex is the cursor, more pages
// remain and no fetch is in flight. Fetch failures end pagination and fall
// back to a cached copy of the page when one exists.
func (p *Pager) LoadPage(ctx context.Context, conversationID int64, pageIndex int) Result {
	p.mu.Lock()
	if pageIndex == 0 {
		p.started = true
		p.conv = conversationID
		p.cursor = 0
		p.hasMore = true
		p.gen++
	} else if !p.started || conversationID != p.conv || pageIndex != p.cursor || !p.hasMore || p.loading {
		hasMore := p.hasMore
		p.mu.Unlock()
		observability.IncHistoryPage("skipped")
		return Result{HasMore: hasMore}
	}
	p.loading = true
	gen := p.gen
	p.mu.Unlock()

	page, err := p.fetcher.GetMessages(ctx, conversationID, pageIndex, p.size)

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return Result{HasMore: p.hasMore}
	}
	p.loading = false

	if err != nil || page == nil {
		p.hasMore = false
		if err == nil {
			err = errEmptyResponse
		}
		p.log.Warn("history page fetch failed",
			zap.Int64("conversation_id", conversationID),
			zap.Int("page", pageIndex),
			zap.Error(err),
		)
		if cached, ok := p.pages.Get(cacheKey(conversationID, pageIndex)); ok {
			observability.IncHistoryPage("cached")
			return Result{Messages: cached.([]models.ChatMessage), Fetched: true, Stale: true}
		}
		observability.IncHistoryPage("error")
		return Result{Fetched: true}
	}

	p.cursor = pageIndex + 1
	p.hasMore = len(page.Messages) > 0 && pageIndex < page.TotalPages-1
	messages := append([]models.ChatMessage(nil), page.Messages...)
	p.pages.SetDefault(cacheKey(conversationID, pageIndex), messages)

	if len(messages) == 0 {
		observability.IncHistoryPage("empty")
	} else {
		observability.IncHistoryPage("ok")
	}
	return Result{Messages: messages, HasMore: p.hasMore, Fetched: true}
}

// LoadNext requests the page at the cursor of the current conversation.
func (p *Pager) LoadNext(ctx context.Context) Result {
	p.mu.Lock()
	started, conv, cursor := p.started, p.conv, p.cursor
	p.mu.Unlock()
	if !started {
		return Result{}
	}
	return p.LoadPage(ctx, conv, cursor)
}

func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

func (p *Pager) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		ConversationID: p.conv,
		Cursor:         p.cursor,
		HasMore:        p.hasMore,
		Loading:        p.loading,
	}
}
