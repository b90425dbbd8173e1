// Package page is the built-in crawl handler: it logs page titles and can
// follow same-host links up to a depth limit.
package page

import (
	"errors"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"

	"crawlsched/internal/fetch"
	"crawlsched/internal/queue"
	"crawlsched/internal/spider"
	"crawlsched/internal/task"
	logx "crawlsched/pkg/logx"
)

const (
	DefaultTask = "page"
	depthKey    = "depth"
)

type Config struct {
	// Task is the handler name; empty means "page".
	Task        string
	FollowLinks bool
	// MaxDepth bounds link following; seed pages have depth 0.
	MaxDepth int
}

// Plugin crawls HTML pages.
type Plugin struct {
	cfg atomic.Pointer[Config]

	pages  atomic.Uint64
	links  atomic.Uint64
	failed atomic.Uint64
}

func New(cfg Config) *Plugin {
	p := &Plugin{}
	p.Apply(cfg)
	return p
}

func (p *Plugin) Name() string { return p.config().Task }

func (p *Plugin) config() Config { return *p.cfg.Load() }

// Apply swaps the link-following settings. The task name is fixed at
// registration.
func (p *Plugin) Apply(cfg Config) {
	if strings.TrimSpace(cfg.Task) == "" {
		cfg.Task = DefaultTask
	}
	if prev := p.cfg.Load(); prev != nil {
		cfg.Task = prev.Task
	}
	p.cfg.Store(&cfg)
}

// Register installs the handler and its fallback on reg.
func (p *Plugin) Register(reg *spider.Registry) {
	name := p.Name()
	reg.Handle(name, p.handle).Fallback(name+"_fallback", p.fallback)
}

// Stats returns crawled pages, queued links and abandoned pages.
func (p *Plugin) Stats() (pages, links, failed uint64) {
	return p.pages.Load(), p.links.Load(), p.failed.Load()
}

func (p *Plugin) handle(sc task.Scope, resp *fetch.Response, t *task.Task) error {
	p.pages.Add(1)
	log := sc.Logger().With(logx.String("plugin", p.Name()))
	doc, err := resp.Document()
	if err != nil {
		return err
	}
	depth := t.GetInt(depthKey, 0)
	title := strings.TrimSpace(doc.Find("title").First().Text())
	log.Info("page",
		logx.String("url", resp.URL),
		logx.Int("status", resp.Status),
		logx.String("title", title),
		logx.Int("depth", depth),
		logx.Bool("cached", resp.FromCache))

	cfg := p.config()
	if !cfg.FollowLinks || depth >= cfg.MaxDepth {
		return nil
	}
	base, err := url.Parse(resp.URL)
	if err != nil {
		return nil
	}
	var errs []error
	for _, link := range sameHostLinks(doc, base) {
		nt, err := task.New(p.Name(), task.WithURL(link), task.WithExtra(depthKey, depth+1))
		if err != nil {
			return err
		}
		if err := sc.AddTask(nt); err != nil {
			if !errors.Is(err, queue.ErrDuplicate) {
				errs = append(errs, err)
			}
			continue
		}
		p.links.Add(1)
	}
	return errors.Join(errs...)
}

func (p *Plugin) fallback(sc task.Scope, t *task.Task, err error) {
	p.failed.Add(1)
	sc.Logger().Warn("page abandoned", logx.String("plugin", p.Name()), logx.String("url", t.URL), logx.Err(err))
}

// sameHostLinks resolves anchors against base and keeps unique http(s) links
// on base's host, without fragments.
func sameHostLinks(doc *goquery.Document, base *url.URL) []string {
	seen := map[string]struct{}{}
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		u := base.ResolveReference(ref)
		u.Fragment = ""
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host != base.Host {
			return
		}
		link := u.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		out = append(out, link)
	})
	return out
}
