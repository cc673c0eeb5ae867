package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/pulse/internal/eventstream"
	"github.com/rendis/pulse/internal/filter"
	"github.com/rendis/pulse/internal/loading"
	"github.com/rendis/pulse/internal/retry"
	"github.com/rendis/pulse/internal/validation"
	"github.com/rendis/pulse/pkg/schema"
)

const (
	connectKey      = "connect"
	connectEstimate = 2 * time.Second
)

// eventMatcher is satisfied by both the expr and the CEL predicate.
type eventMatcher interface {
	Match(ev schema.Event) (bool, error)
}

type watchOptions struct {
	scope         schema.Scope
	where         string
	cel           string
	jq            string
	progressEvery time.Duration
}

// watcher is one `pulse watch` session. It owns the reconnect loop the
// event stream client leaves to its callers and mirrors run progress into
// a loading registry.
type watcher struct {
	cfg        Config
	opts       watchOptions
	logger     *slog.Logger
	out        *printer
	httpClient *http.Client
	now        func() time.Time

	preds     []eventMatcher
	proj      *filter.Projector
	validator eventstream.PayloadValidator
	registry  *loading.Registry
	breaker   *retry.Breaker

	seenMu sync.Mutex
	seen   loading.Snapshot
}

func newWatcher(cfg Config, opts watchOptions, out io.Writer, logger *slog.Logger) (*watcher, error) {
	if err := opts.scope.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	w := &watcher{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		out:        &printer{out: out},
		httpClient: &http.Client{},
		now:        time.Now,
		registry:   loading.New(loading.WithLogger(logger)),
		breaker:    retry.NewBreaker(retry.DefaultBreakerConfig(), nil),
	}

	if opts.where != "" {
		p, err := filter.NewPredicate(opts.where)
		if err != nil {
			return nil, err
		}
		w.preds = append(w.preds, p)
	}
	if opts.cel != "" {
		p, err := filter.NewCELPredicate(opts.cel)
		if err != nil {
			return nil, err
		}
		w.preds = append(w.preds, p)
	}
	if opts.jq != "" {
		p, err := filter.NewProjector(opts.jq)
		if err != nil {
			return nil, err
		}
		w.proj = p
	}
	if cfg.ValidatePayloads {
		v, err := validation.NewPayloadValidator()
		if err != nil {
			return nil, fmt.Errorf("init payload validator: %w", err)
		}
		w.validator = v
	}
	return w, nil
}

// run streams until ctx ends or the stream fails for good.
func (w *watcher) run(ctx context.Context) error {
	unsubscribe := w.registry.Subscribe(w.onLoadingChange)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return w.loop(gctx)
	})
	if w.opts.progressEvery > 0 {
		g.Go(func() error {
			w.tick(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *watcher) loop(ctx context.Context) error {
	policy := w.cfg.retryPolicy()
	failures := 0

	for {
		if err := w.breaker.Allow(); err != nil {
			wait := cooldownRemaining(err)
			w.logger.Warn("too many failed attempts, pausing", "failures", w.breaker.Failures(), "wait", wait)
			if retry.WaitForBackoff(ctx, wait) != nil {
				return nil
			}
			continue
		}

		opened, err := w.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if opened {
			failures = 0
		}
		w.breaker.RecordFailure()

		if !w.cfg.Reconnect || !retry.IsRetryableError(err) {
			return err
		}
		if policy.Exhausted(failures) {
			return fmt.Errorf("giving up after %d attempts: %w", failures, err)
		}

		delay := retry.ComputeBackoff(policy, failures)
		failures++
		w.logger.Warn("event stream lost, reconnecting", "error", err, "attempt", failures, "delay", delay)
		if retry.WaitForBackoff(ctx, delay) != nil {
			return nil
		}
	}
}

// session runs one subscription: connect (tracked in the registry), then
// stream until the transport fails or ctx ends. opened reports whether
// the stream reached the open state.
func (w *watcher) session(ctx context.Context) (opened bool, err error) {
	openCh := make(chan struct{}, 1)
	lost := make(chan error, 1)

	client, err := eventstream.New(eventstream.Config{
		BaseURL:    w.cfg.BaseURL,
		HTTPClient: w.httpClient,
		Logger:     w.logger,
		Validator:  w.validator,
		Headers:    w.headers(),
		Handlers: eventstream.Handlers{
			OnEvent:     w.onEvent,
			OnRunUpdate: w.onRunUpdate,
			OnError: func(d schema.ErrorDescriptor) {
				if d.Type != schema.ErrorTypeTransport {
					return
				}
				select {
				case lost <- d.Err:
				default:
				}
			},
			OnStateChange: func(from, to schema.ConnectionState) {
				w.logger.Debug("event stream state", "from", from, "to", to)
				if to == schema.StateOpen {
					select {
					case openCh <- struct{}{}:
					default:
					}
				}
			},
		},
	})
	if err != nil {
		return false, err
	}
	defer client.Disconnect()

	// The subscription outlives the connect step, so it keeps ctx; opCtx
	// only carries the loading key for the step's own log lines.
	err = w.registry.RunScoped(ctx, connectKey, func(opCtx context.Context) error {
		w.logger.DebugContext(opCtx, "connecting", "scope", w.opts.scope.String(), "base_url", w.cfg.BaseURL)
		if err := client.ConnectToScope(ctx, w.opts.scope); err != nil {
			return err
		}
		select {
		case <-openCh:
			w.logger.InfoContext(opCtx, "subscribed", "scope", w.opts.scope.String(), "subscription_id", client.SubscriptionID())
			return nil
		case err := <-lost:
			w.logger.WarnContext(opCtx, "connect failed", "scope", w.opts.scope.String(), "error", err)
			return err
		case <-opCtx.Done():
			return opCtx.Err()
		}
	}, loading.StartOptions{
		Operation:         "connect",
		Message:           w.opts.scope.String(),
		EstimatedDuration: connectEstimate,
	})
	if err != nil {
		return false, err
	}
	w.breaker.RecordSuccess()

	select {
	case err := <-lost:
		return true, err
	case <-ctx.Done():
		return true, nil
	}
}

func (w *watcher) headers() http.Header {
	h := http.Header{}
	if w.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	return h
}

// onEvent applies --where, --cel and --jq and prints what survives. Both
// predicates must match when both are set.
func (w *watcher) onEvent(ev schema.Event) {
	for _, pred := range w.preds {
		ok, err := pred.Match(ev)
		if err != nil {
			w.logger.Debug("filter rejected event", "seq", ev.Seq, "error", err)
			return
		}
		if !ok {
			return
		}
	}

	if w.proj != nil {
		values, err := w.proj.Project(context.Background(), ev)
		if err != nil {
			w.logger.Warn("jq projection failed", "seq", ev.Seq, "error", err)
			return
		}
		for _, line := range formatProjection(values) {
			w.out.println(line)
		}
		return
	}

	w.out.println(formatEvent(ev, w.now()))
}

// onRunUpdate mirrors run progress into the registry. Terminal statuses
// remove the entry.
func (w *watcher) onRunUpdate(u schema.RunUpdate) {
	key := "run:" + u.RunID
	switch u.Status {
	case schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled:
		w.registry.Stop(key)
		return
	}

	if !w.registry.IsLoading(key) {
		w.registry.Start(key, loading.StartOptions{Operation: "run", Message: string(u.Status)})
	}
	if u.Progress != nil {
		w.registry.UpdateProgress(key, *u.Progress, string(u.Status))
		return
	}
	w.registry.UpdateMessage(key, string(u.Status))
}

// onLoadingChange prints entries as they appear and disappear. Snapshots
// from the connect loop and the dispatcher can arrive out of order, so the
// delivered one is only a signal: the diff is taken against the registry's
// current state, read under seenMu so successive reads never go back in
// time.
func (w *watcher) onLoadingChange(loading.Snapshot) {
	w.seenMu.Lock()
	defer w.seenMu.Unlock()

	s := w.registry.Snapshot()
	now := w.now()
	for _, k := range sortedKeys(s) {
		if _, ok := w.seen[k]; !ok {
			w.out.println(styleDimmed.Render("started ") + formatEntry(s[k], now))
		}
	}
	for _, k := range sortedKeys(w.seen) {
		if _, ok := s[k]; !ok {
			elapsed := w.seen[k].Elapsed(now).Round(time.Millisecond)
			w.out.println(styleDimmed.Render("finished ") + styleKind.Render(k) + styleDimmed.Render(" after "+elapsed.String()))
		}
	}
	w.seen = s
}

// tick prints in-flight operations periodically.
func (w *watcher) tick(ctx context.Context) {
	t := time.NewTicker(w.opts.progressEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !w.registry.AnyLoading() {
				continue
			}
			for _, line := range formatSnapshot(w.registry.Snapshot(), w.now()) {
				w.out.println(line)
			}
		}
	}
}

func sortedKeys(s loading.Snapshot) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cooldownRemaining extracts the wait from a CIRCUIT_OPEN error.
func cooldownRemaining(err error) time.Duration {
	var se *schema.Error
	if errors.As(err, &se) {
		if d, ok := se.Details["cooldown_remaining"].(time.Duration); ok && d > 0 {
			return d
		}
	}
	return time.Second
}

func watchCmd(a *app) *cobra.Command {
	var (
		opts      watchOptions
		reconnect bool
		validate  bool
	)

	cmd := &cobra.Command{
		Use:   "watch <user|workflow|run> <id>",
		Short: "Stream live events for a user, workflow, or run",
		Example: `  pulse watch run 1234
  pulse watch workflow blog-post --where 'kind == "run-update" && payload.status == "failed"'
  pulse watch run 1234 --cel 'has(payload.progress) && payload.progress >= 50'
  pulse watch user 42 --jq '.payload | {run_id, progress}' --reconnect`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.scope = schema.Scope{Kind: schema.ScopeKind(args[0]), ID: args[1]}

			cfg := a.cfg
			if cmd.Flags().Changed("reconnect") {
				cfg.Reconnect = reconnect
			}
			if cmd.Flags().Changed("validate") {
				cfg.ValidatePayloads = validate
			}

			w, err := newWatcher(cfg, opts, cmd.OutOrStdout(), a.logger)
			if err != nil {
				return err
			}
			return w.run(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.where, "where", "", "only print events matching this expr predicate")
	f.StringVar(&opts.cel, "cel", "", "only print events matching this CEL predicate")
	f.StringVar(&opts.jq, "jq", "", "print the output of this jq program instead of the event line")
	f.DurationVar(&opts.progressEvery, "progress-every", 2*time.Second, "how often to print in-flight runs (0 disables)")
	f.BoolVar(&reconnect, "reconnect", false, "reconnect with backoff when the stream drops")
	f.BoolVar(&validate, "validate", true, "drop payloads that fail schema validation")
	return cmd
}
