package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Config holds browser configuration.
type Config struct {
	DebuggerURL         string   `yaml:"debugger_url"`
	Launch              []string `yaml:"launch"`
	Headless            bool     `yaml:"headless"`
	ViewportWidth       int      `yaml:"viewport_width"`
	ViewportHeight      int      `yaml:"viewport_height"`
	NavigationTimeoutMs int      `yaml:"navigation_timeout_ms"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:            true,
		ViewportWidth:       1920,
		ViewportHeight:      1080,
		NavigationTimeoutMs: 30000,
	}
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

func (c Config) viewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1920
	}
	return c.ViewportWidth
}

func (c Config) viewportHeight() int {
	if c.ViewportHeight == 0 {
		return 1080
	}
	return c.ViewportHeight
}

// Rod drives a shared Chrome instance through the DevTools protocol.
// Sessions are incognito browser contexts, so cookies and storage never
// leak between requests that run side by side.
type Rod struct {
	cfg     Config
	planner Planner
	log     *zap.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

// NewRod builds a driver. The browser is launched lazily on first session.
func NewRod(cfg Config, planner Planner, log *zap.Logger) *Rod {
	return &Rod{cfg: cfg, planner: planner, log: log}
}

func (d *Rod) ensureBrowser(ctx context.Context) (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		if _, err := d.browser.Version(); err == nil {
			return d.browser, nil
		}
		d.log.Warn("stale browser connection, reconnecting")
		_ = d.browser.Close()
		d.browser = nil
	}

	controlURL := d.cfg.DebuggerURL
	if controlURL == "" && len(d.cfg.Launch) > 0 {
		bin := d.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(d.cfg.Headless)
		for _, rawFlag := range d.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}
	if controlURL == "" {
		url, err := launcher.New().Headless(d.cfg.Headless).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	d.browser = browser
	return browser, nil
}

// OpenSession creates an incognito context, opens a page and navigates it
// to startURL. All failures are wrapped as *StartError so the session
// manager can apply its start retry budget.
func (d *Rod) OpenSession(ctx context.Context, startURL string) (Session, error) {
	browser, err := d.ensureBrowser(ctx)
	if err != nil {
		return nil, &StartError{Err: err}
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, &StartError{Err: fmt.Errorf("incognito context: %w", err)}
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: startURL})
	if err != nil {
		return nil, &StartError{Err: fmt.Errorf("create page: %w", err)}
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             d.cfg.viewportWidth(),
		Height:            d.cfg.viewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		d.log.Warn("failed to set viewport", zap.Error(err))
	}

	if err := page.Context(ctx).Timeout(d.cfg.NavigationTimeout()).Navigate(startURL); err != nil {
		_ = page.Close()
		return nil, &StartError{Err: fmt.Errorf("navigate %s: %w", startURL, err)}
	}
	_ = page.Timeout(d.cfg.NavigationTimeout()).WaitLoad()

	return &rodSession{page: page, planner: d.planner, log: d.log}, nil
}

// Shutdown closes the shared browser and every session with it.
func (d *Rod) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	d.browser = nil
	return err
}

type rodSession struct {
	page    *rod.Page
	planner Planner
	log     *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func (s *rodSession) Act(ctx context.Context, instruction string) (Result, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: %w", err)
	}
	act, err := s.planner.Plan(ctx, instruction, snap, false)
	if err != nil {
		return Result{}, err
	}
	if err := s.apply(ctx, act); err != nil {
		return Result{}, fmt.Errorf("apply %q: %w", act.Action, err)
	}
	return Result{Response: act.Answer}, nil
}

func (s *rodSession) ActBool(ctx context.Context, instruction string) (bool, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshot: %w", err)
	}
	act, err := s.planner.Plan(ctx, instruction, snap, true)
	if err != nil {
		return false, err
	}
	return *act.Bool, nil
}

// Type replaces the value of the focused field with text. The text never
// reaches the planner.
func (s *rodSession) Type(ctx context.Context, text string) error {
	kb := s.page.Context(ctx).Keyboard
	if err := kb.Press(input.ControlLeft); err != nil {
		return err
	}
	if err := kb.Type(input.KeyA); err != nil {
		return err
	}
	if err := kb.Release(input.ControlLeft); err != nil {
		return err
	}
	if err := kb.Type(input.Backspace); err != nil {
		return err
	}
	return s.page.Context(ctx).InsertText(text)
}

func (s *rodSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.page.Close()
	})
	return s.closeErr
}

func (s *rodSession) apply(ctx context.Context, act Action) error {
	page := s.page.Context(ctx)
	switch act.Action {
	case "click":
		el, err := page.Element(act.Selector)
		if err != nil {
			return fmt.Errorf("element %q not found: %w", act.Selector, err)
		}
		return el.Click(proto.InputMouseButtonLeft, 1)
	case "type":
		el, err := page.Element(act.Selector)
		if err != nil {
			return fmt.Errorf("element %q not found: %w", act.Selector, err)
		}
		if err := el.SelectAllText(); err != nil {
			return err
		}
		return el.Input(act.Text)
	case "press":
		key, ok := namedKeys[act.Key]
		if !ok {
			return fmt.Errorf("unknown key %q", act.Key)
		}
		return page.Keyboard.Type(key)
	case "none", "answer":
		return nil
	default:
		return fmt.Errorf("unknown action %q", act.Action)
	}
}

var namedKeys = map[string]input.Key{
	"Enter":  input.Enter,
	"Escape": input.Escape,
	"Tab":    input.Tab,
}

// snapshot captures a limited view of the visible DOM as JSON for the
// planner. Each node carries a CSS selector the planner can hand back.
func (s *rodSession) snapshot(ctx context.Context) (string, error) {
	const maxNodes = 200
	script := fmt.Sprintf(`
	() => {
		const cssPath = (el) => {
			if (el.id) return '#' + CSS.escape(el.id);
			const parts = [];
			while (el && el.nodeType === 1 && parts.length < 6) {
				let part = el.tagName.toLowerCase();
				if (el.id) {
					parts.unshift('#' + CSS.escape(el.id));
					break;
				}
				const parent = el.parentElement;
				if (parent) {
					const same = Array.from(parent.children).filter(c => c.tagName === el.tagName);
					if (same.length > 1) {
						part += ':nth-of-type(' + (same.indexOf(el) + 1) + ')';
					}
				}
				parts.unshift(part);
				el = parent;
			}
			return parts.join(' > ');
		};

		const interesting = 'a, button, input, select, textarea, label, th, td, li, span, div, h1, h2, h3, p';
		const out = [];
		for (const el of document.querySelectorAll(interesting)) {
			if (out.length >= %d) break;
			const rect = el.getBoundingClientRect();
			const style = window.getComputedStyle(el);
			const visible = style.display !== 'none' && style.visibility !== 'hidden' && rect.width > 0 && rect.height > 0;
			if (!visible) continue;
			const text = (el.innerText || el.value || '').trim().slice(0, 160);
			if (!text && !['INPUT', 'SELECT', 'TEXTAREA', 'BUTTON', 'A'].includes(el.tagName)) continue;
			const attrs = {};
			for (const name of ['name', 'type', 'placeholder', 'aria-label', 'role', 'title', 'href']) {
				const v = el.getAttribute(name);
				if (v) attrs[name] = v.slice(0, 80);
			}
			out.push({ selector: cssPath(el), tag: el.tagName, text, attrs });
		}
		return out;
	}
	`, maxNodes)

	res, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           script,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return "", err
	}
	if res == nil || res.Value.Nil() {
		return "[]", nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw), nil
	}
	return buf.String(), nil
}
