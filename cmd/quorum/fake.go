package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/moltsocial/quorum/engine"
	"github.com/moltsocial/quorum/records"
	"github.com/moltsocial/quorum/syntax"

	"github.com/brianvoe/gofakeit/v6"
	cli "github.com/urfave/cli/v2"
)

var fakeItemsCmd = &cli.Command{
	Name:  "fake-items",
	Usage: "generate a synthetic JSON lines stream of records, for load testing 'ingest'",
	Flags: []cli.Flag{
		&cli.Int64Flag{
			Name:  "seed",
			Value: 1,
		},
		&cli.IntFlag{
			Name:  "moderators",
			Value: 3,
		},
		&cli.IntFlag{
			Name:  "accounts",
			Value: 50,
		},
		&cli.IntFlag{
			Name:  "actions",
			Value: 100,
		},
		&cli.IntFlag{
			Name:  "testimonies",
			Value: 500,
		},
		&cli.StringFlag{
			Name:  "context",
			Value: "submolt:fake",
		},
		&cli.StringFlag{
			Name:  "governance-did",
			Usage: "author of the role grants",
			Value: "did:plc:fakegovernance",
		},
	},
	Action: func(cctx *cli.Context) error {
		gofakeit.Seed(cctx.Int64("seed"))
		gen := &fakeGen{
			contextID: cctx.String("context"),
			start:     time.Now().UTC().Add(-30 * 24 * time.Hour).Truncate(time.Second),
		}
		gov, err := syntax.ParseDID(cctx.String("governance-did"))
		if err != nil {
			return err
		}
		items, err := gen.generate(gov, cctx.Int("moderators"), cctx.Int("accounts"), cctx.Int("actions"), cctx.Int("testimonies"))
		if err != nil {
			return err
		}
		return writeItems(os.Stdout, items)
	},
}

type fakeGen struct {
	contextID string
	start     time.Time
	n         int
}

func fakeDID(kind string, i int) syntax.DID {
	return syntax.DID(fmt.Sprintf("did:plc:fake%s%d", kind, i))
}

func (g *fakeGen) item(author syntax.DID, rec records.Record, at time.Time) (*engine.Item, syntax.Ref, error) {
	g.n++
	it, err := engine.NewItem(author, fmt.Sprintf("fake%d", g.n), rec, at)
	if err != nil {
		return nil, syntax.Ref{}, err
	}
	ref, err := it.Ref()
	return it, ref, err
}

// a random instant within the 30 days after start, no earlier than after
func (g *fakeGen) after(after time.Time) time.Time {
	t := g.start.Add(time.Duration(gofakeit.Number(0, 30*24*60)) * time.Minute)
	if t.Before(after) {
		t = after.Add(time.Duration(gofakeit.Number(1, 72*60)) * time.Minute)
	}
	return t
}

func (g *fakeGen) generate(gov syntax.DID, moderators, accounts, actions, testimonies int) ([]*engine.Item, error) {
	if moderators < 1 || accounts < 2 {
		return nil, fmt.Errorf("need at least one moderator and two accounts")
	}
	var out []*engine.Item
	for i := 0; i < moderators; i++ {
		it, _, err := g.item(gov, &records.RoleGrant{Actor: fakeDID("mod", i), Context: g.contextID, Role: "moderator"}, g.start.Add(-time.Hour))
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}

	for i := 0; i < actions; i++ {
		mod := fakeDID("mod", gofakeit.Number(0, moderators-1))
		owner := fakeDID("user", gofakeit.Number(0, accounts-1))
		post := syntax.Ref{Owner: owner, Collection: "app.molt.feed.post", RKey: fmt.Sprintf("post%d", i)}
		severity := records.SeveritySoft
		if gofakeit.Bool() {
			severity = records.SeverityHard
		}
		createdAt := g.after(g.start)
		it, actionRef, err := g.item(mod, &records.ModerationAction{
			Context:  g.contextID,
			Subject:  records.SubjectRef(post),
			Kind:     records.ActionRemove,
			Severity: severity,
			Reason:   gofakeit.Sentence(8),
		}, createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, it)

		// roughly a third of actions are appealed, and most appeals resolved
		if gofakeit.Number(0, 2) != 0 {
			continue
		}
		appealAt := g.after(createdAt)
		it, appealRef, err := g.item(owner, &records.Appeal{
			Appellant: owner,
			Subject:   actionRef,
			Grounds:   gofakeit.Sentence(20),
			Category:  records.AppealCategory(gofakeit.RandomString([]string{"factual_error", "misapplied_policy", "proportionality", "procedural"})),
		}, appealAt)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
		if gofakeit.Number(0, 3) == 0 {
			continue
		}
		it, _, err = g.item(mod, &records.AppealResolution{
			ResolverAuthority: "moderator",
			Appeal:            appealRef,
			Outcome:           records.Outcome(gofakeit.RandomString([]string{"upheld", "overturned"})),
			Reasoning:         gofakeit.Sentence(15),
		}, g.after(appealAt))
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}

	for i := 0; i < testimonies; i++ {
		witness := gofakeit.Number(0, accounts-1)
		subject := gofakeit.Number(0, accounts-2)
		if subject >= witness {
			subject++
		}
		it, _, err := g.item(fakeDID("user", witness), &records.Testimony{
			Subject:       records.SubjectDID(fakeDID("user", subject)),
			Context:       g.contextID,
			Position:      records.Position(gofakeit.RandomString([]string{"positive", "positive", "neutral", "negative"})),
			Content:       gofakeit.Sentence(12),
			StandingBasis: records.BasisCommunityMember,
		}, g.after(g.start))
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func writeItems(w io.Writer, items []*engine.Item) error {
	enc := json.NewEncoder(w)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return err
		}
	}
	return nil
}
