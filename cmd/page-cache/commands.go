package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wolfeidau/page-cache/dirstats"
	"github.com/wolfeidau/page-cache/invalidate"
)

// ClearCmd removes every page of one site.
type ClearCmd struct {
	Tenant string `arg:"" help:"Site ID."`
}

func (c *ClearCmd) Run(g *Globals) error {
	return g.withEnv(func(ctx context.Context, e *env) error {
		n, err := e.svc.Clear(ctx, c.Tenant)
		return report(e.out, "cleared", n, err)
	})
}

// WipeCmd removes every page of every site.
type WipeCmd struct{}

func (c *WipeCmd) Run(g *Globals) error {
	return g.withEnv(func(ctx context.Context, e *env) error {
		n, err := e.svc.Wipe(ctx)
		return report(e.out, "wiped", n, err)
	})
}

// PurgeCmd removes expired pages of the given sites, or of all sites.
type PurgeCmd struct {
	Tenants []string `arg:"" optional:"" help:"Site IDs (default: all)."`
}

func (c *PurgeCmd) Run(g *Globals) error {
	return g.withEnv(func(ctx context.Context, e *env) error {
		ids := c.Tenants
		if len(ids) == 0 {
			for _, t := range e.svc.Network().Tenants() {
				ids = append(ids, t.ID)
			}
		}
		total := 0
		var errs []error
		for _, id := range ids {
			n, err := e.svc.PurgeExpired(ctx, id)
			total += n
			if err != nil {
				errs = append(errs, fmt.Errorf("purging %s: %w", id, err))
			}
		}
		return report(e.out, "purged", total, errors.Join(errs...))
	})
}

// ClearMatchingCmd removes the pages of a site selected by patterns.
type ClearMatchingCmd struct {
	Tenant   string   `arg:"" help:"Site ID."`
	Patterns []string `arg:"" help:"URLs, site-relative globs such as /category/*, or re:<regex>."`
}

func (c *ClearMatchingCmd) Run(g *Globals) error {
	return g.withEnv(func(ctx context.Context, e *env) error {
		n, err := e.svc.ClearMatching(ctx, c.Tenant, c.Patterns)
		return report(e.out, "cleared", n, err)
	})
}

// StatsCmd prints a site's snapshot.
type StatsCmd struct {
	Tenant string `arg:"" help:"Site ID."`
	Paths  bool   `help:"List every stored file."`
	JSON   bool   `name:"json" help:"Print JSON."`
}

func (c *StatsCmd) Run(g *Globals) error {
	return g.withEnv(func(ctx context.Context, e *env) error {
		snap, err := e.svc.Snapshot(ctx, c.Tenant, c.Paths)
		if err != nil {
			return err
		}
		if c.JSON {
			return writeJSON(e.out, snap)
		}
		printSnapshot(e.out, snap)
		return nil
	})
}

// HistoryCmd prints a site's hourly size history.
type HistoryCmd struct {
	Tenant string `arg:"" help:"Site ID."`
	Days   int    `default:"7" help:"Window in days, 0 for all retained history."`
	JSON   bool   `name:"json" help:"Print JSON."`
}

func (c *HistoryCmd) Run(g *Globals) error {
	return g.withEnv(func(ctx context.Context, e *env) error {
		agg, err := e.svc.History(ctx, c.Tenant, c.Days)
		if err != nil {
			return err
		}
		if c.JSON {
			return writeJSON(e.out, agg)
		}
		printHistory(e.out, agg)
		return nil
	})
}

// AddressCmd prints where a URL is stored.
type AddressCmd struct {
	URL       string `arg:"" help:"Absolute URL."`
	UserAgent string `help:"User agent used for device classification."`
}

func (c *AddressCmd) Run(g *Globals) error {
	return g.withEnv(func(_ context.Context, e *env) error {
		l, err := e.svc.Address(c.URL, c.UserAgent)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "tenant: %s\nkey:    %s\nfile:   %s\n", l.Tenant.ID, l.Key, l.RelPath)
		return nil
	})
}

// InvalidateCmd clears what one content event invalidates.
type InvalidateCmd struct {
	Tenant  string   `arg:"" help:"Site ID."`
	Kind    string   `required:"" enum:"resource,term,author,feed,urls" help:"Event kind (resource, term, author, feed, urls)."`
	Subject string   `help:"Resource ID, term or author slug, or feed format."`
	Paths   []string `arg:"" optional:"" help:"URLs or site-relative paths of the changed content."`
}

func (c *InvalidateCmd) Run(g *Globals) error {
	return g.withEnv(func(ctx context.Context, e *env) error {
		n, err := e.svc.Handle(ctx, invalidate.NewCycle(), invalidate.Event{
			Kind:     invalidate.EventKind(c.Kind),
			TenantID: c.Tenant,
			Subject:  c.Subject,
			Paths:    c.Paths,
		})
		return report(e.out, "invalidated", n, err)
	})
}

// DropInCmd manages the drop-in marker of the filesystem backend.
type DropInCmd struct {
	Action string `arg:"" optional:"" enum:"on,off,status" default:"status" help:"on, off or status."`
}

func (c *DropInCmd) Run(g *Globals) error {
	return g.withEnv(func(_ context.Context, e *env) error {
		switch c.Action {
		case "on":
			if err := e.svc.SetDropIn(true); err != nil {
				return err
			}
		case "off":
			if err := e.svc.SetDropIn(false); err != nil {
				return err
			}
		}
		state := "inactive"
		if e.svc.DropInActive() {
			state = "active"
		}
		fmt.Fprintf(e.out, "drop-in %s\n", state)
		return nil
	})
}

// MaintainCmd runs the maintenance scheduler in the foreground.
type MaintainCmd struct {
	Once bool `help:"Run one cycle and exit."`
}

func (c *MaintainCmd) Run(g *Globals) error {
	return g.withEnv(func(ctx context.Context, e *env) error {
		if c.Once {
			res := e.svc.RunMaintenance(ctx)
			fmt.Fprintf(e.out, "purged %s, refreshed %d snapshots, swept %d records in %s\n",
				humanize.Comma(int64(res.Purged)), res.Snapshots, res.Swept, res.Duration.Round(time.Millisecond))
			if res.Errors > 0 {
				return fmt.Errorf("maintenance finished with %d errors", res.Errors)
			}
			return nil
		}

		e.cfg.Expiry.Enabled = true
		if err := e.svc.Start(ctx); err != nil {
			return fmt.Errorf("starting maintenance: %w", err)
		}
		e.logger.Info("maintenance running", "interval", e.cfg.Expiry.CheckInterval)
		<-ctx.Done()
		return nil
	})
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Fprintln(g.stdout, version)
	return nil
}

// report prints the count of a destructive operation. The count is printed
// even on error because it is the progress made before the failure.
func report(w io.Writer, verb string, n int, err error) error {
	fmt.Fprintf(w, "%s %s entries\n", verb, humanize.Comma(int64(n)))
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSnapshot(w io.Writer, snap *dirstats.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "tenant\t%s\n", snap.TenantID)
	fmt.Fprintf(tw, "entries\t%s\n", humanize.Comma(int64(snap.Count)))
	fmt.Fprintf(tw, "size\t%s\n", humanize.Bytes(uint64(max(snap.TotalSize, 0))))
	fmt.Fprintf(tw, "expired\t%s\n", humanize.Comma(int64(snap.Expired)))
	if snap.DiskTotal > 0 {
		fmt.Fprintf(tw, "disk\t%s free of %s\n", humanize.Bytes(snap.DiskFree), humanize.Bytes(snap.DiskTotal))
	}
	fmt.Fprintf(tw, "captured\t%s\n", humanize.Time(snap.CapturedAt))

	exts := make([]string, 0, len(snap.Extensions))
	for ext := range snap.Extensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	for _, ext := range exts {
		st := snap.Extensions[ext]
		fmt.Fprintf(tw, "  %s\t%s files, %s\n", ext, humanize.Comma(int64(st.Count)), humanize.Bytes(uint64(max(st.Size, 0))))
	}
	_ = tw.Flush()

	for _, p := range snap.Paths {
		fmt.Fprintln(w, p)
	}
}

func printHistory(w io.Writer, agg *dirstats.Aggregate) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "HOUR\tSIZE\tENTRIES\n")
	for _, b := range agg.Buckets {
		fmt.Fprintf(tw, "%s\t%s\t%s\n",
			b.Hour.Format("2006-01-02 15:04"),
			humanize.Bytes(uint64(max(b.Size, 0))),
			humanize.Comma(b.Count),
		)
	}
	fmt.Fprintf(tw, "largest\t%s\t%s\n",
		humanize.Bytes(uint64(max(agg.LargestSize, 0))),
		humanize.Comma(agg.LargestCount),
	)
	_ = tw.Flush()
}
