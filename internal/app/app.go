// Package app wires the feed engine, the transport and the store into
// the user-facing commands. It also owns the quickmark overlay rules:
// which commands reset the numbering, which append to it, and which must
// leave it alone.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/sync/errgroup"
	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/corkboard/corkboard/internal/feed"
	"github.com/corkboard/corkboard/internal/fetch"
	"github.com/corkboard/corkboard/internal/storage"
)

// maxConcurrentFetches bounds how many feeds Update fetches at once.
const maxConcurrentFetches = 25

type App struct {
	repo   storage.Repository
	client *fetch.Client
	logger log.Logger
	out    io.Writer
}

func New(repo storage.Repository, client *fetch.Client, logger log.Logger, out io.Writer) *App {
	return &App{repo: repo, client: client, logger: logger, out: out}
}

// Add subscribes to a new feed. Unlike Update, any failure here aborts
// the whole command and nothing is committed.
func (a *App) Add(ctx context.Context, source string) error {
	resolved, body, err := a.client.Resolve(ctx, source)
	if err != nil {
		return err
	}

	channel, err := feed.Parse(body)
	if err != nil {
		return fmt.Errorf("parse %s: %w", resolved, err)
	}
	// The channel is keyed by the URL the user asked for, not whatever
	// the feed declares about itself; re-fetches must hit the same
	// resource.
	channel.Link = resolved

	if err := a.repo.CreateChannel(ctx, channel); err != nil {
		return err
	}

	entries := append([]feed.Entry(nil), channel.Entries...)
	feed.SortEntries(entries)
	if _, err := a.repo.AppendQuickmarks(ctx, entries); err != nil {
		return err
	}

	a.logger.Info("subscribed", "url", resolved, "entries", len(channel.Entries))
	return nil
}

// channelUpdate is one channel's outcome flowing from a fetch worker to
// the writer loop in Update.
type channelUpdate struct {
	stored  *feed.Channel
	fetched *feed.Channel
	outcome feed.SyncOutcome
}

// Update synchronizes every stored channel. Fetching and parsing run
// concurrently; one unreachable or broken feed is logged and skipped,
// never failing the batch. New entries are printed in completion order.
func (a *App) Update(ctx context.Context) error {
	channels, err := a.repo.AllChannels(ctx)
	if err != nil {
		return err
	}

	updates := make(chan channelUpdate)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)

	go func() {
		for _, stored := range channels {
			stored := stored
			g.Go(func() error {
				fetched, err := a.fetchChannel(gctx, stored.Link)
				if err != nil {
					// Per-channel failures are isolated; the rest of the
					// batch proceeds.
					a.logger.Error("channel update failed", "url", stored.Link, "error", err)
					return nil
				}
				outcome := feed.Synchronize(stored, fetched)
				if outcome.Unchanged() {
					a.logger.Debug("channel unchanged", "url", stored.Link)
					return nil
				}
				select {
				case updates <- channelUpdate{stored: stored, fetched: fetched, outcome: outcome}:
				case <-gctx.Done():
					return gctx.Err()
				}
				return nil
			})
		}
		g.Wait()
		close(updates)
	}()

	// Store writes and output stay on this goroutine.
	for u := range updates {
		if err := a.commitUpdate(ctx, u); err != nil {
			a.logger.Error("storing channel update failed", "url", u.stored.Link, "error", err)
		}
	}
	return g.Wait()
}

func (a *App) fetchChannel(ctx context.Context, url string) (*feed.Channel, error) {
	body, err := a.client.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	fetched, err := feed.Parse(body)
	if err != nil {
		return nil, err
	}
	fetched.Link = url
	return fetched, nil
}

func (a *App) commitUpdate(ctx context.Context, u channelUpdate) error {
	entries := append([]feed.Entry(nil), u.outcome.NewEntries...)
	feed.SortEntries(entries)

	if err := a.repo.StoreEntries(ctx, u.stored.Link, entries); err != nil {
		return err
	}
	if u.fetched.LastBuildDate != nil {
		if err := a.repo.SetChannelBuildDate(ctx, u.stored.Link, u.fetched.LastBuildDate); err != nil {
			return err
		}
	}

	positions, err := a.repo.AppendQuickmarks(ctx, entries)
	if err != nil {
		return err
	}
	for i, e := range entries {
		a.printEntry(positions[i], e)
	}
	return nil
}

// Feeds lists the stored channels. The quickmark overlay is not touched.
func (a *App) Feeds(ctx context.Context) error {
	channels, err := a.repo.AllChannels(ctx)
	if err != nil {
		return err
	}
	for _, c := range channels {
		fmt.Fprintf(a.out, "%s %s\n", c.Title, c.Link)
	}
	return nil
}

// New lists unread entries in publish order and resets the overlay: all
// positions are recomputed densely from 1. This is the only command that
// renumbers.
func (a *App) New(ctx context.Context) error {
	unread, err := a.repo.UnreadEntries(ctx)
	if err != nil {
		return err
	}
	if err := a.repo.ResetQuickmarks(ctx, unread); err != nil {
		return err
	}
	for i, e := range unread {
		a.printEntry(i+1, e)
	}
	return nil
}

// printEntry writes one entry per line: position, identity, title and,
// when present, the link. Entries that already held a quickmark get "-"
// instead of a position.
func (a *App) printEntry(position int, e feed.Entry) {
	pos := "-"
	if position > 0 {
		pos = strconv.Itoa(position)
	}
	line := fmt.Sprintf("%s %s %s", pos, e.Identity, e.Title)
	if e.Link != "" {
		line += " " + e.Link
	}
	fmt.Fprintln(a.out, line)
}

// Mark marks entries as read. Each argument is either a quickmark
// position or an entry identity; a bad argument is reported and the rest
// of the batch continues. With all set, every unread entry is marked.
func (a *App) Mark(ctx context.Context, args []string, all bool) error {
	if all {
		unread, err := a.repo.UnreadEntries(ctx)
		if err != nil {
			return err
		}
		for _, e := range unread {
			if err := a.markOne(ctx, e.Identity); err != nil {
				return err
			}
		}
		return nil
	}

	for _, arg := range args {
		identity, err := a.resolveMarkArg(ctx, arg)
		if err != nil {
			a.logger.Error("cannot mark", "arg", arg, "error", err)
			continue
		}
		if err := a.markOne(ctx, identity); err != nil {
			a.logger.Error("cannot mark", "arg", arg, "error", err)
		}
	}
	return nil
}

// resolveMarkArg turns a user-supplied argument into an entry identity.
// Identities are exactly 16 hex digits, so they can never be mistaken
// for the small decimal positions quickmarks use.
func (a *App) resolveMarkArg(ctx context.Context, arg string) (string, error) {
	if feed.IsIdentity(arg) {
		return arg, nil
	}
	position, err := strconv.Atoi(arg)
	if err != nil {
		return "", fmt.Errorf("%q is neither a quickmark position nor an identity", arg)
	}
	return a.repo.QuickmarkByPosition(ctx, position)
}

func (a *App) markOne(ctx context.Context, identity string) error {
	if err := a.repo.SetRead(ctx, identity, true); err != nil {
		return err
	}
	// Marking consumes exactly this entry's quickmark; no other position
	// moves.
	return a.repo.DeleteQuickmark(ctx, identity)
}

// Remove unsubscribes a feed. The stored link is matched through the
// same candidate forms the transport tries, so a channel added by bare
// hostname can be removed the same way.
func (a *App) Remove(ctx context.Context, source string) error {
	for _, candidate := range fetch.Candidates(source) {
		err := a.repo.DeleteChannel(ctx, candidate)
		if err == nil {
			a.logger.Info("unsubscribed", "url", candidate)
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return fmt.Errorf("no subscribed feed matches %q", source)
}
