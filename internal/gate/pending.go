package gate

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Pending is an in-process gate: Ask parks the prompt until Resolve is
// called for its id. A prompt whose asker gave up is withdrawn, so a late
// Resolve for it reports ErrUnknownPrompt and changes nothing.
type Pending struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
	seq     uint64
	notify  func(Prompt)
}

type pendingEntry struct {
	prompt Prompt
	seq    uint64
	ch     chan Choice
}

var _ Gate = (*Pending)(nil)

func NewPending() *Pending {
	return &Pending{entries: make(map[string]pendingEntry)}
}

// OnPrompt registers a callback run, in its own goroutine, for every new prompt.
func (p *Pending) OnPrompt(fn func(Prompt)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notify = fn
}

func (p *Pending) Ask(ctx context.Context, prompt Prompt) (Choice, error) {
	prompt = stamp(prompt)
	ch := make(chan Choice, 1)

	p.mu.Lock()
	if _, exists := p.entries[prompt.ID]; exists {
		p.mu.Unlock()
		return 0, errors.Wrap(ErrDuplicatePrompt, prompt.ID)
	}
	p.seq++
	p.entries[prompt.ID] = pendingEntry{prompt: prompt, seq: p.seq, ch: ch}
	notify := p.notify
	p.mu.Unlock()

	if notify != nil {
		go notify(prompt)
	}

	select {
	case c := <-ch:
		return c, nil
	case <-ctx.Done():
		p.withdraw(prompt.ID, ch)
		return 0, ctx.Err()
	}
}

func (p *Pending) withdraw(id string, ch chan Choice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok && e.ch == ch {
		delete(p.entries, id)
	}
}

// Resolve answers a pending prompt. Each prompt can be resolved once.
func (p *Pending) Resolve(id string, c Choice) error {
	if c != Approve && c != Deny {
		return errors.Wrapf(ErrInvalidChoice, "%d", int(c))
	}
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrUnknownPrompt, id)
	}
	e.ch <- c
	return nil
}

// List returns the outstanding prompts, oldest first.
func (p *Pending) List() []Prompt {
	p.mu.Lock()
	entries := make([]pendingEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	prompts := make([]Prompt, len(entries))
	for i, e := range entries {
		prompts[i] = e.prompt
	}
	return prompts
}

func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
