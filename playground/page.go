package playground

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/numplay/runtime"
	"github.com/google/uuid"
)

// Page is what one viewer sees: an independent view of every preset.
type Page struct {
	ID       string
	views    []*View
	lastSeen atomic.Int64
	watchers atomic.Int32
}

// NewPage builds one view per preset. Every view gets the same options but
// its own runtime.
func NewPage(factory runtime.Factory, opts ...Option) *Page {
	p := &Page{ID: uuid.NewString()}
	for _, preset := range presets {
		p.views = append(p.views, New(preset, factory, opts...))
	}
	p.Touch()
	return p
}

// Mount starts loading every view's runtime concurrently.
func (p *Page) Mount(ctx context.Context) {
	for _, v := range p.views {
		v.Mount(ctx)
	}
}

func (p *Page) Unmount(ctx context.Context) error {
	var errs []error
	for _, v := range p.views {
		if err := v.Unmount(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// View returns the view of the named preset.
func (p *Page) View(name string) (*View, bool) {
	for _, v := range p.views {
		if v.preset.Name == name {
			return v, true
		}
	}
	return nil, false
}

func (p *Page) Views() []*View {
	return p.views
}

// Touch records activity on the page.
func (p *Page) Touch() {
	p.lastSeen.Store(time.Now().UnixNano())
}

// Watch marks the page as followed until release is called. A watched
// page is never idle.
func (p *Page) Watch() (release func()) {
	p.watchers.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			p.Touch()
			p.watchers.Add(-1)
		}
	}
}

// IdleSince reports how long the page has gone without a Touch, or zero
// while it is watched.
func (p *Page) IdleSince(now time.Time) time.Duration {
	if p.watchers.Load() > 0 {
		return 0
	}
	return now.Sub(time.Unix(0, p.lastSeen.Load()))
}
