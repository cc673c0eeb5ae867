package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/pulse/internal/relay"
	"github.com/rendis/pulse/internal/streaming"
	"github.com/rendis/pulse/pkg/schema"
)

func relayCmd(a *app) *cobra.Command {
	var (
		addr      string
		keepAlive time.Duration
		demo      bool
		demoEvery time.Duration
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a local event stream relay for development",
		Long: `Serves GET /sse/{user|workflow|run}/{id} and accepts events on
POST /api/publish. With --demo it also plays simulated workflow runs for
user "demo", workflow "demo-workflow", and each demo run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if demo && demoEvery <= 0 {
				return fmt.Errorf("--demo-every must be positive, got %s", demoEvery)
			}
			if !cmd.Flags().Changed("addr") {
				addr = a.cfg.RelayAddr
			}

			hub := streaming.NewMemoryHub()
			srv := relay.NewServer(relay.Deps{Hub: hub, Logger: a.logger, KeepAlive: keepAlive})

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return srv.Serve(ctx, addr) })
			if demo {
				d := &demoPublisher{hub: hub, interval: demoEvery, logger: a.logger}
				g.Go(func() error { return d.run(ctx) })
			}
			return g.Wait()
		},
	}

	f := cmd.Flags()
	f.StringVar(&addr, "addr", ":4200", "listen address")
	f.DurationVar(&keepAlive, "keep-alive", 15*time.Second, "interval between keep-alive comments")
	f.BoolVar(&demo, "demo", false, "publish simulated workflow runs")
	f.DurationVar(&demoEvery, "demo-every", time.Second, "delay between simulated steps")
	return cmd
}

var demoNodes = []struct{ id, typ string }{
	{"fetch-sources", "http"},
	{"draft", "llm"},
	{"review", "llm"},
	{"publish", "cms"},
}

// demoPublisher plays simulated workflow runs into a hub, one after
// another, until ctx ends.
type demoPublisher struct {
	hub      streaming.EventHub
	interval time.Duration
	logger   *slog.Logger

	runs int
}

const (
	demoUser     = "demo"
	demoWorkflow = "demo-workflow"
)

func (d *demoPublisher) run(ctx context.Context) error {
	for {
		d.runs++
		runID := fmt.Sprintf("demo-run-%d", d.runs)
		if err := d.playRun(ctx, runID); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (d *demoPublisher) playRun(ctx context.Context, runID string) error {
	scopes := []schema.Scope{schema.UserScope(demoUser), schema.WorkflowScope(demoWorkflow), schema.RunScope(runID)}
	d.logger.Info("demo run started", "run_id", runID)

	if err := d.emit(ctx, scopes, schema.WorkflowUpdate{
		WorkflowKey: demoWorkflow,
		Name:        "Demo blog post",
		Status:      schema.WorkflowStatusActive,
		UpdatedAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}

	started := time.Now().UTC()
	if err := d.emit(ctx, scopes, schema.RunUpdate{
		RunID: runID, WorkflowKey: demoWorkflow, Status: schema.RunStatusPending, StartedAt: &started,
	}); err != nil {
		return err
	}

	for i, n := range demoNodes {
		if err := d.emit(ctx, scopes, schema.NodeUpdate{
			RunID: runID, NodeID: n.id, NodeType: n.typ, Status: schema.NodeStatusRunning,
		}); err != nil {
			return err
		}
		progress := float64(i) / float64(len(demoNodes)) * 100
		if err := d.emit(ctx, scopes, schema.RunUpdate{
			RunID: runID, WorkflowKey: demoWorkflow, Status: schema.RunStatusRunning, Progress: &progress, StartedAt: &started,
		}); err != nil {
			return err
		}
		if err := d.sleep(ctx); err != nil {
			return err
		}
		output, _ := json.Marshal(map[string]any{"node": n.id, "ok": true})
		if err := d.emit(ctx, scopes, schema.NodeUpdate{
			RunID: runID, NodeID: n.id, NodeType: n.typ, Status: schema.NodeStatusCompleted, Output: output,
		}); err != nil {
			return err
		}
	}

	done := 100.0
	finished := time.Now().UTC()
	if err := d.emit(ctx, scopes, schema.RunUpdate{
		RunID: runID, WorkflowKey: demoWorkflow, Status: schema.RunStatusCompleted,
		Progress: &done, StartedAt: &started, FinishedAt: &finished,
	}); err != nil {
		return err
	}
	d.logger.Info("demo run completed", "run_id", runID)
	return d.sleep(ctx)
}

func (d *demoPublisher) emit(ctx context.Context, scopes []schema.Scope, p schema.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	for _, s := range scopes {
		if err := d.hub.Publish(ctx, streaming.Message{Scope: s, Kind: p.EventKind(), Payload: data}); err != nil {
			return err
		}
	}
	return nil
}

func (d *demoPublisher) sleep(ctx context.Context) error {
	t := time.NewTimer(d.interval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
