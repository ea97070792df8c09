package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/moltsocial/quorum/authority"
	"github.com/moltsocial/quorum/engine"
	"github.com/moltsocial/quorum/syntax"

	"github.com/araddon/dateparse"
	cli "github.com/urfave/cli/v2"
	"github.com/xlab/treeprint"
)

var ingestCmd = &cli.Command{
	Name:      "ingest",
	Usage:     "process a JSON lines file of records (or - for stdin)",
	ArgsUsage: "<file.jsonl>",
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		path := cctx.Args().First()
		if path == "" {
			return fmt.Errorf("need a file path (or - for stdin)")
		}
		var r io.Reader = os.Stdin
		if path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		items, err := engine.ReadItems(r)
		if err != nil {
			return err
		}

		eng, err := offlineEngine(cctx)
		if err != nil {
			return err
		}
		// items deferred by earlier runs wake up when the records they wait on arrive
		if err := eng.RestoreDeferred(ctx); err != nil {
			return err
		}

		counts := map[engine.Outcome]int{}
		for _, res := range eng.ProcessBatch(ctx, items) {
			counts[res.Outcome]++
			if res.Err != nil {
				ref, _ := res.Item.Ref()
				fmt.Fprintf(os.Stderr, "%s\t%s\t%v\n", res.Outcome, ref.URI(), res.Err)
			}
		}
		if err := eng.Tick(ctx); err != nil {
			return err
		}
		outcomes := make([]string, 0, len(counts))
		for o := range counts {
			outcomes = append(outcomes, string(o))
		}
		sort.Strings(outcomes)
		for _, o := range outcomes {
			fmt.Printf("%s\t%d\n", o, counts[engine.Outcome(o)])
		}
		fmt.Printf("deferred (total)\t%d\n", eng.DeferredCount())
		return nil
	},
}

var explainCmd = &cli.Command{
	Name:      "explain",
	Usage:     "print the derived state of a moderation action as a tree",
	ArgsUsage: "<at-uri>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "json",
			Usage: "print the full derivation as JSON",
		},
	},
	Action: func(cctx *cli.Context) error {
		ref, err := syntax.ParseRef(cctx.Args().First())
		if err != nil {
			return err
		}
		eng, err := offlineEngine(cctx)
		if err != nil {
			return err
		}
		view, err := eng.GetModerationActionState(cctx.Context, ref)
		if err != nil {
			return err
		}
		if cctx.Bool("json") {
			return printJSON(view)
		}
		fmt.Println(actionTree(view).String())
		return nil
	},
}

func actionTree(view *engine.ActionView) treeprint.Tree {
	tree := treeprint.NewWithRoot(fmt.Sprintf("%s [%s]", view.Action.URI(), view.State))
	tree.AddMetaNode("context", view.Context)
	tree.AddMetaNode("operator", view.Operator)
	tree.AddMetaNode("kind", fmt.Sprintf("%s (%s)", view.Record.Kind, view.Record.Severity))
	if view.Reason != "" {
		tree.AddMetaNode("reason", view.Reason)
	}
	if view.Modification != "" {
		tree.AddMetaNode("modification", view.Modification)
	}
	if view.DecidedBy != nil {
		tree.AddMetaNode("decided by", view.DecidedBy.URI())
	}

	if len(view.Branches) > 0 {
		branches := tree.AddBranch(fmt.Sprintf("appeals (%s)", view.Policy))
		for _, b := range view.Branches {
			outcome := string(b.Outcome)
			if outcome == "" {
				outcome = "unresolved"
			}
			bt := branches.AddMetaBranch(outcome, b.Appeal.URI())
			for _, r := range b.Resolutions {
				label := fmt.Sprintf("%s by %s (%s)", r.Outcome, r.Resolver, r.ResolverAuthority)
				if !r.Applied {
					label += " [not binding]"
				}
				bt.AddMetaNode(syntax.FormatDatetime(r.CreatedAt), label)
			}
		}
	}
	if len(view.Reversals) > 0 {
		rev := tree.AddBranch("reversals")
		for _, r := range view.Reversals {
			rev.AddMetaNode(r.Status, fmt.Sprintf("%s (%s) by %s", r.Ref.URI(), r.Severity, r.Operator))
		}
	}
	if len(view.Windows) > 0 {
		windows := tree.AddBranch("testimony windows")
		for _, w := range view.Windows {
			windows.AddNode(w.URI())
		}
	}
	if len(view.Timeline) > 0 {
		timeline := tree.AddBranch("timeline")
		for _, tr := range view.Timeline {
			label := fmt.Sprintf("%s -> %s (%s)", tr.From, tr.To, tr.Cause.URI())
			if tr.Note != "" {
				label += ": " + tr.Note
			}
			timeline.AddMetaNode(syntax.FormatDatetime(tr.At), label)
		}
	}
	tree.AddMetaNode("provenance", fmt.Sprintf("%d records, version %s", view.RecordCount, syntax.FormatDatetime(view.Version)))
	return tree
}

var standingCmd = &cli.Command{
	Name:      "standing",
	Usage:     "print the standing of an account, with its testimony",
	ArgsUsage: "<did>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "context",
			Usage: "community context; empty for standing across all contexts",
		},
		&cli.StringFlag{
			Name:  "methodology",
			Usage: "methodology id; empty for the default",
		},
		&cli.IntFlag{
			Name:  "limit",
			Value: 50,
		},
	},
	Action: func(cctx *cli.Context) error {
		did, err := syntax.ParseDID(cctx.Args().First())
		if err != nil {
			return err
		}
		eng, err := offlineEngine(cctx)
		if err != nil {
			return err
		}
		view, err := eng.GetStanding(cctx.Context, engine.StandingQuery{
			Subject:     did,
			Context:     cctx.String("context"),
			Methodology: cctx.String("methodology"),
			Limit:       cctx.Int("limit"),
		})
		if err != nil {
			return err
		}
		return printJSON(view)
	},
}

var authorityCmd = &cli.Command{
	Name:      "authority",
	Usage:     "check whether an account holds a capability in a context",
	ArgsUsage: "<did> <context> [capability]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "at",
			Usage: "instant to evaluate at (most date formats accepted); defaults to now",
		},
		&cli.StringFlag{
			Name:  "referenced-at",
			Usage: "creation time of an action, to evaluate historical testimony rights",
		},
	},
	Action: func(cctx *cli.Context) error {
		args := cctx.Args()
		if args.Len() < 2 {
			return fmt.Errorf("need at least <did> and <context> arguments")
		}
		did, err := syntax.ParseDID(args.Get(0))
		if err != nil {
			return err
		}
		contextID := args.Get(1)
		at, err := parseOptionalTime(cctx.String("at"))
		if err != nil {
			return err
		}
		referencedAt, err := parseOptionalTime(cctx.String("referenced-at"))
		if err != nil {
			return err
		}

		eng, err := offlineEngine(cctx)
		if err != nil {
			return err
		}
		ts, err := eng.GetTransitions(cctx.Context, did, contextID, at, referencedAt)
		if err != nil {
			return err
		}

		if raw := args.Get(2); raw != "" {
			capability, err := authority.ParseCapability(raw)
			if err != nil {
				return err
			}
			fmt.Printf("%t\t%s\n", ts.Allows(capability), ts.Reasons[capability])
			return nil
		}

		root := fmt.Sprintf("%s in %s at %s", did, contextID, syntax.FormatDatetime(ts.At))
		if ts.Ghost {
			root += " (former role holder)"
		}
		tree := treeprint.NewWithRoot(root)
		allowed := tree.AddBranch("allowed")
		for _, c := range ts.Allowed {
			allowed.AddMetaNode(c, ts.Reasons[c])
		}
		denied := tree.AddBranch("denied")
		for _, c := range ts.Denied {
			denied.AddMetaNode(c, ts.Reasons[c])
		}
		fmt.Println(tree.String())
		return nil
	},
}

var deadLettersCmd = &cli.Command{
	Name:  "dead-letters",
	Usage: "list items which could not be applied",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Value: 100,
		},
	},
	Action: func(cctx *cli.Context) error {
		eng, err := offlineEngine(cctx)
		if err != nil {
			return err
		}
		dls, err := eng.ListDeadLetters(cctx.Context, cctx.Int("limit"))
		if err != nil {
			return err
		}
		for _, dl := range dls {
			fmt.Printf("%s\t%s\t%d\t%s\n", syntax.FormatDatetime(dl.DeadAt), dl.URI, dl.Attempts, dl.Reason)
		}
		return nil
	},
}

func parseOptionalTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
