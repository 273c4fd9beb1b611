package maxim

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/whoshyam/maxim-cookbooks/internal/llm"
	apperrors "github.com/whoshyam/maxim-cookbooks/internal/pkg/errors"
)

// PromptMessage is one templated message of a prompt version
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptVersion is one published version of a prompt together with the
// deployment variables it is deployed under.
type PromptVersion struct {
	ID              string            `json:"id"`
	Version         int               `json:"version"`
	Messages        []PromptMessage   `json:"messages"`
	Provider        string            `json:"provider"`
	Model           string            `json:"model"`
	ModelParameters map[string]any    `json:"modelParameters"`
	Tags            map[string]string `json:"tags"`
	Deployment      map[string]string `json:"deployment"`
}

type promptResponse struct {
	PromptID string          `json:"promptId"`
	FolderID string          `json:"folderId"`
	Versions []PromptVersion `json:"versions"`
}

// Prompt is the version selected for a query rule
type Prompt struct {
	PromptID string
	PromptVersion
}

var (
	doubleBrace = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)
	singleBrace = regexp.MustCompile(`\{(\w+)\}`)
)

// Compile substitutes variables into every message. Both {{var}} and {var} are accepted.
func (p *Prompt) Compile(variables map[string]any) []llm.Message {
	out := make([]llm.Message, 0, len(p.Messages))
	for _, m := range p.Messages {
		out = append(out, llm.Message{Role: m.Role, Content: compile(m.Content, variables)})
	}
	return out
}

func compile(text string, variables map[string]any) string {
	replace := func(re *regexp.Regexp, s string) string {
		return re.ReplaceAllStringFunc(s, func(match string) string {
			name := re.FindStringSubmatch(match)[1]
			if v, ok := variables[name]; ok {
				return fmt.Sprint(v)
			}
			return match
		})
	}
	return replace(singleBrace, replace(doubleBrace, text))
}

// Variables lists the variable names used across the messages, sorted
func (p *Prompt) Variables() []string {
	set := make(map[string]struct{})
	for _, m := range p.Messages {
		for _, match := range doubleBrace.FindAllStringSubmatch(m.Content, -1) {
			set[match[1]] = struct{}{}
		}
		for _, match := range singleBrace.FindAllStringSubmatch(m.Content, -1) {
			set[match[1]] = struct{}{}
		}
	}
	vars := make([]string, 0, len(set))
	for v := range set {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

// GetPrompt fetches a prompt and selects the version deployed for rule: the
// version matching the most conditions wins, then the highest version number.
func (c *Client) GetPrompt(ctx context.Context, promptID string, rule QueryRule) (*Prompt, error) {
	if promptID == "" {
		return nil, apperrors.Validation("prompt id is required")
	}
	key := cacheKey(promptID, rule)
	if p, ok := c.prompts.get(key); ok {
		c.log.Debug("prompt cache hit", zap.String("prompt", promptID))
		return p, nil
	}

	var resp promptResponse
	if err := c.get(ctx, "/api/sdk/v4/prompts", url.Values{"promptId": {promptID}}, &resp); err != nil {
		return nil, fmt.Errorf("get prompt %s: %w", promptID, err)
	}
	if rule.Folder != "" && rule.Folder != resp.FolderID {
		return nil, apperrors.NotFound(fmt.Sprintf("prompt %q in folder %q", promptID, rule.Folder))
	}

	version, ok := selectVersion(resp.Versions, rule)
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("prompt %q deployed for %s", promptID, rule))
	}
	p := &Prompt{PromptID: promptID, PromptVersion: version}
	c.prompts.set(key, promptID, p)
	return p, nil
}

func selectVersion(versions []PromptVersion, rule QueryRule) (PromptVersion, bool) {
	var (
		best      PromptVersion
		bestScore = -1
	)
	for _, v := range versions {
		score, ok := rule.score(v)
		if !ok {
			continue
		}
		if score > bestScore || (score == bestScore && v.Version > best.Version) {
			best, bestScore = v, score
		}
	}
	return best, bestScore >= 0
}

func cacheKey(promptID string, rule QueryRule) uint64 {
	return xxhash.Sum64String(promptID + "\x00" + rule.String())
}

// promptCache holds selected prompts for a TTL
type promptCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[uint64]cachedPrompt
}

type cachedPrompt struct {
	promptID string
	prompt   *Prompt
	cachedAt time.Time
}

func newPromptCache(ttl time.Duration) *promptCache {
	return &promptCache{ttl: ttl, items: make(map[uint64]cachedPrompt)}
}

func (pc *promptCache) get(key uint64) (*Prompt, bool) {
	if pc.ttl <= 0 {
		return nil, false
	}
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	item, ok := pc.items[key]
	if !ok || time.Since(item.cachedAt) >= pc.ttl {
		return nil, false
	}
	return item.prompt, true
}

func (pc *promptCache) set(key uint64, promptID string, p *Prompt) {
	if pc.ttl <= 0 {
		return
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.items[key] = cachedPrompt{promptID: promptID, prompt: p, cachedAt: time.Now()}
}

func (pc *promptCache) invalidate(promptID string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for key, item := range pc.items {
		if item.promptID == promptID {
			delete(pc.items, key)
		}
	}
}

func (pc *promptCache) clear() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.items = make(map[uint64]cachedPrompt)
}

// InvalidatePrompt drops every cached selection of a prompt
func (c *Client) InvalidatePrompt(promptID string) {
	c.prompts.invalidate(promptID)
}

// ClearPromptCache drops all cached prompts
func (c *Client) ClearPromptCache() {
	c.prompts.clear()
}
