// Package main provides the kwgroup command line client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/kwgroup/pkg/client"
	"github.com/thebtf/kwgroup/pkg/models"
)

const usage = `Usage: kwgroup [flags] <command> [args]

Commands:
  add <keywords...>     store comma separated keywords (reads stdin when none given)
  pending               list keywords waiting to be grouped
  group                 group pending keywords
  preview <keywords...> group keywords without storing them
  latest                show the latest groups
  outline               generate outlines from the latest groups
  refine                refine the latest outlines
  history               show previous outline batches
  email <address>       set the delivery address
  stats                 show worker statistics
  health                show worker status

Flags:
`

func main() {
	fs := flag.NewFlagSet("kwgroup", flag.ExitOnError)
	owner := fs.String("owner", defaultOwner(), "Keyword owner")
	port := fs.Int("port", client.GetWorkerPort(), "Worker port")
	url := fs.String("url", "", "Worker URL (overrides --port)")
	asJSON := fs.Bool("json", false, "Print raw JSON")
	limit := fs.Int("limit", 0, "History size")
	timeout := fs.Duration("timeout", client.DefaultTimeout, "Request timeout")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	c := client.NewLocal(*port)
	if *url != "" {
		c = client.New(*url)
	}
	log.Debug().Str("worker", c.BaseURL()).Str("owner", *owner).Msg("Using worker")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	app := &app{client: c, owner: *owner, json: *asJSON, limit: *limit, out: os.Stdout}
	if err := app.run(ctx, fs.Arg(0), fs.Args()[1:]); err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Retryable {
			fmt.Fprintf(os.Stderr, "kwgroup: %v (try again shortly)\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "kwgroup: %v\n", err)
		}
		os.Exit(1)
	}
}

func defaultOwner() string {
	if v := os.Getenv("KWGROUP_OWNER"); v != "" {
		return v
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "default"
}

type app struct {
	client *client.Client
	out    io.Writer
	owner  string
	json   bool
	limit  int
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "add":
		text := strings.Join(args, ", ")
		if len(args) == 0 {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			text = string(data)
		}
		res, err := a.client.AddKeywords(ctx, a.owner, text)
		if err != nil {
			return err
		}
		return a.print(res, func() {
			fmt.Fprintf(a.out, "Stored %d keywords (%d already pending), %d waiting to be grouped\n",
				res.Added, res.Skipped, res.Pending)
		})

	case "pending":
		rows, err := a.client.Pending(ctx, a.owner)
		if err != nil {
			return err
		}
		return a.print(rows, func() {
			for _, k := range rows {
				fmt.Fprintln(a.out, k.Text)
			}
		})

	case "group":
		res, err := a.client.Group(ctx, a.owner)
		if err != nil {
			return err
		}
		return a.print(res, func() { printGroups(a.out, res) })

	case "preview":
		res, err := a.client.Preview(ctx, a.owner, splitKeywords(args))
		if err != nil {
			return err
		}
		return a.print(res, func() { printGroups(a.out, res) })

	case "latest":
		res, err := a.client.LatestGroups(ctx, a.owner)
		if err != nil {
			return err
		}
		return a.print(res, func() { printGroups(a.out, res) })

	case "outline", "refine":
		fetch := a.client.Outlines
		if cmd == "refine" {
			fetch = a.client.Refine
		}
		batch, err := fetch(ctx, a.owner)
		if err != nil {
			return err
		}
		return a.print(batch, func() { printOutlines(a.out, batch) })

	case "history":
		batches, err := a.client.History(ctx, a.owner, a.limit)
		if err != nil {
			return err
		}
		return a.print(batches, func() {
			for _, b := range batches {
				fmt.Fprintf(a.out, "%s  run %s\n", b.CreatedAt, b.RunID)
				for _, g := range b.GroupNames() {
					fmt.Fprintf(a.out, "  - %s\n", g)
				}
			}
		})

	case "email":
		if len(args) != 1 {
			return errors.New("email takes exactly one address")
		}
		email, err := a.client.SetEmail(ctx, a.owner, args[0])
		if err != nil {
			return err
		}
		return a.print(map[string]string{"email": email}, func() {
			fmt.Fprintf(a.out, "Outlines for %s will go to %s\n", a.owner, email)
		})

	case "stats":
		stats, err := a.client.Stats(ctx)
		if err != nil {
			return err
		}
		a.json = true
		return a.print(stats, nil)

	case "health":
		h, err := a.client.Health(ctx)
		if err != nil {
			return err
		}
		return a.print(h, func() {
			fmt.Fprintf(a.out, "%s  version %s  model %s  db %s  up %s\n", h.Status, h.Version, h.ModelVersion, h.DBDriver, h.Uptime)
		})

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) print(v any, human func()) error {
	if a.json || human == nil {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human()
	return nil
}

func splitKeywords(args []string) []string {
	var out []string
	for _, arg := range args {
		for _, p := range strings.Split(arg, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func printGroups(w io.Writer, res *models.GroupingResult) {
	fmt.Fprintf(w, "Run %s  k=%d  model=%s  %s\n", res.RunID, res.K, res.ModelVersion, res.CreatedAt.Format(time.DateTime))
	for _, g := range res.Groups {
		if g.Empty() {
			continue
		}
		fmt.Fprintf(w, "\n[%d] %s (%d)\n", g.GroupID, g.Label, g.Size())
		for _, m := range g.Members {
			fmt.Fprintf(w, "    %s\n", m)
		}
	}
}

func printOutlines(w io.Writer, batch *models.OutlineBatch) {
	for i, o := range batch.Outlines {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "## %s\n%s\n\n%s\n", o.Group, o.Idea, o.Outline)
	}
}
