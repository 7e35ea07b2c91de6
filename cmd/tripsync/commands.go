package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tripsync/internal/availability"
	"tripsync/internal/backend"
	"tripsync/internal/config"
	"tripsync/internal/ics"
	appLog "tripsync/internal/log"
	"tripsync/internal/model"
	"tripsync/internal/poll"
	"tripsync/internal/store"
	"tripsync/internal/web"
)

// run keeps the group list polled and serves the companion API until ctx
// is cancelled. SIGHUP reloads the config and switches identity when the
// access token or actor changed.
func (a *app) run(ctx context.Context) error {
	a.claimIfSignedIn(ctx)

	sched := poll.NewCronScheduler()
	defer sched.Stop()

	poller := poll.New(a.store, sched, poll.Intervals{
		Groups:  a.cfg.Poll.Groups.Std(),
		Summary: a.cfg.Poll.Summary.Std(),
		Members: a.cfg.Poll.Members.Std(),
		Self:    a.cfg.Poll.Self.Std(),
	})
	groups, err := poller.WatchGroups(ctx)
	if err != nil {
		// The view keeps polling; the backend may come up later.
		appLog.Warn("initial group list load failed", "err", err)
	}
	defer groups.Close()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				a.reloadIdentity(ctx)
			}
		}
	}()

	srv := web.NewServer(a.cfg, a.store, poller, a.account)
	return srv.Run(ctx)
}

// claimIfSignedIn binds the local actor to the signed-in user. A failure is
// logged only; the next start or reload tries again.
func (a *app) claimIfSignedIn(ctx context.Context) {
	if !a.store.Identity().IsUser() {
		return
	}
	if _, err := a.account.Claim(ctx); err != nil {
		appLog.Warn("claiming local actor failed", "err", err)
	}
}

func (a *app) reloadIdentity(ctx context.Context) {
	conf, err := loadConfig(a.flags)
	if err != nil {
		appLog.Error("config reload failed", err, "config_path", a.flags.configPath)
		return
	}
	id, actor, err := resolveIdentity(conf)
	if err != nil {
		appLog.Error("identity reload failed", err)
		return
	}
	a.account.SetActor(conf.Identity.ActorFile, actor)
	cur := a.store.Identity()
	if id.Key() == cur.Key() {
		if id.DisplayName != cur.DisplayName {
			// the actor file was edited by hand
			if _, err := a.account.Rename(ctx, id.DisplayName); err != nil {
				appLog.Warn("display name reload incomplete", "err", err)
			}
		}
		appLog.Info("config reloaded, identity unchanged")
		return
	}
	a.store.ResetForIdentity(id)
	a.claimIfSignedIn(ctx)
}

func runBackend(ctx context.Context, conf *config.Config) error {
	if conf.Backend.JWTSecret == "" {
		appLog.Warn("backend has no JWT secret; bearer tokens will be rejected")
	}
	srv := backend.New([]byte(conf.Backend.JWTSecret), conf.Backend.PublicURL)
	return srv.Run(ctx, conf.Backend.Listen)
}

func (a *app) summary(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	groupID := fs.String("group", "", "Group id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *groupID == "" {
		return errors.New("summary: -group is required")
	}

	intervals, err := a.store.FetchSummary(ctx, *groupID, store.FetchOptions{Force: true})
	if err != nil {
		return err
	}
	best, ok := availability.Best(intervals)
	for _, iv := range intervals {
		marker := " "
		if ok && iv == best {
			marker = "*"
		}
		fmt.Printf("%s %s .. %s  %d/%d\n", marker, iv.From, iv.To, iv.AvailableCount, iv.TotalMembers)
	}
	if !ok {
		fmt.Println("no availability yet")
	}
	return nil
}

// importFeed submits every free block of an iCalendar feed within the next
// -days days as availability in a group.
func (a *app) importFeed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	groupID := fs.String("group", "", "Group id")
	feedURL := fs.String("url", "", "iCalendar feed URL")
	days := fs.Int("days", 180, "How many days ahead to import")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *groupID == "" || *feedURL == "" {
		return errors.New("import: -group and -url are required")
	}
	if *days <= 0 {
		return fmt.Errorf("import: -days must be positive, got %d", *days)
	}

	today := model.DateOf(time.Now())
	window := model.DateRange{Start: today, End: today.AddDays(*days - 1)}

	res, err := ics.NewFetcher(a.cfg.ICSCacheDir, nil).Fetch(ctx, *feedURL)
	if err != nil {
		return err
	}
	ranges, err := ics.ParseRanges(res.Body, window)
	if err != nil {
		return err
	}

	var errs []error
	added := 0
	for _, r := range ranges {
		if _, err := a.store.AddAvailability(ctx, *groupID, r); err != nil {
			appLog.Error("import: add failed", err, "group", *groupID, "from", r.Start, "to", r.End)
			errs = append(errs, err)
			continue
		}
		added++
	}
	a.store.Wait()
	importedDays := 0
	for _, r := range ranges {
		importedDays += r.Days()
	}
	appLog.Info("import finished", "group", *groupID, "ranges", len(ranges), "days", importedDays, "added", added, "from_cache", res.FromCache)
	return errors.Join(errs...)
}

func (a *app) export(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	groupID := fs.String("group", "", "Group id")
	out := fs.String("out", "", "Output .ics path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *groupID == "" || *out == "" {
		return errors.New("export: -group and -out are required")
	}

	intervals, err := a.store.FetchSummary(ctx, *groupID, store.FetchOptions{Force: true})
	if err != nil {
		return err
	}
	name := *groupID
	if groups, err := a.store.FetchGroups(ctx, store.FetchOptions{}); err == nil {
		for _, g := range groups {
			if g.GroupID == *groupID && g.Name != "" {
				name = g.Name
			}
		}
	}

	body := ics.Export(name, intervals, ics.ExportOptions{GroupID: *groupID})
	if err := os.WriteFile(*out, []byte(body), 0o644); err != nil {
		return err
	}
	appLog.Info("export written", "group", *groupID, "path", *out, "intervals", len(intervals))
	return nil
}

func (a *app) createGroup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create-group", flag.ContinueOnError)
	name := fs.String("name", "", "Group name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("create-group: -name is required")
	}
	g, err := a.store.CreateGroup(ctx, *name)
	if err != nil {
		return err
	}
	fmt.Printf("%s  %s\ninvite: %s\n", g.GroupID, g.Name, g.InviteLink)
	return nil
}

func (a *app) joinGroup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	groupID := fs.String("group", "", "Group id from the invite link")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *groupID == "" {
		return errors.New("join: -group is required")
	}
	g, err := a.store.JoinGroup(ctx, *groupID)
	if err != nil {
		return err
	}
	fmt.Printf("joined %s (%s) as %s\n", g.Name, g.GroupID, g.Role)
	return nil
}

func (a *app) rename(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rename", flag.ContinueOnError)
	name := fs.String("name", "", "New display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := a.account.Rename(ctx, *name)
	if err != nil {
		return err
	}
	fmt.Printf("display name is now %q\n", id.DisplayName)
	return nil
}

func (a *app) claim(ctx context.Context) error {
	c, err := a.account.Claim(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("actor %s belongs to user %s since %s (%d memberships moved)\n",
		c.ActorID, c.UserID, c.ClaimedAt.Format(time.RFC3339), c.UpdatedMemberships)
	return nil
}
