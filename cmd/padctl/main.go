package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/docopt/docopt-go"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/emailpad/emailpad/internal/auth"
	"github.com/emailpad/emailpad/internal/client"
	"github.com/emailpad/emailpad/internal/feed"
	"github.com/emailpad/emailpad/internal/logging"
	"github.com/emailpad/emailpad/internal/padsync"
	"github.com/emailpad/emailpad/internal/tui"
)

const PadCtlVersion = "0.1.0"

const usage = `Pad control.

The default server url is http://127.0.0.1:3000.

Usage:
    padctl watch <pad> [--url=<url>] [--token=<token>]
    padctl show <pad> [--url=<url>] [--token=<token>] [--format=<format>]
    padctl view <pad> [--url=<url>] [--token=<token>] [--style=<style>]
    padctl pads [--url=<url>] [--token=<token>]
    padctl token --secret=<secret> [<pad>] [--subject=<subject>] [--ttl=<ttl>]
    padctl feed [<pad>] [--nats=<nats_url>] [--prefix=<prefix>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>            Server url [default: http://127.0.0.1:3000].
    --token=<token>        Auth token or JWT.
    --format=<format>      raw, text or html [default: raw].
    --style=<style>        Glamour style [default: dark].
    --secret=<secret>      Server jwt_secret.
    --subject=<subject>    Token subject [default: padctl].
    --ttl=<ttl>            Token lifetime [default: 24h].
    --nats=<nats_url>      NATS url [default: nats://127.0.0.1:4222].
    --prefix=<prefix>      Change feed subject prefix [default: emailpad.pads].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], PadCtlVersion)
	if err != nil {
		panic(err)
	}

	logging.Setup(logging.Options{Level: "info", Format: "console"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(ctx, opts)
	} else if show_, _ := opts.Bool("show"); show_ {
		err = show(ctx, opts)
	} else if view_, _ := opts.Bool("view"); view_ {
		err = view(ctx, opts)
	} else if pads_, _ := opts.Bool("pads"); pads_ {
		err = pads(ctx, opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		err = token(opts)
	} else if feed_, _ := opts.Bool("feed"); feed_ {
		err = watchFeed(ctx, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// watch prints a line for every refresh signal of a pad.
func watch(ctx context.Context, opts docopt.Opts) error {
	padName, _ := opts.String("<pad>")
	url, _ := opts.String("--url")
	tok, _ := opts.String("--token")

	ws, err := client.NewWSClient(url, padName, tok, client.WithLogger(logging.Component("client")))
	if err != nil {
		return err
	}
	for ev := range ws.Watch(ctx) {
		switch ev.Kind {
		case client.EventConnected:
			log.Info().Str("pad", ev.Pad).Msg("connected")
		case client.EventDisconnected:
			log.Warn().Err(ev.Err).Str("pad", ev.Pad).Dur("retry", ev.Retry).Msg("disconnected")
		case client.EventRefresh:
			log.Info().Str("pad", ev.Pad).Msg("refresh")
		}
	}
	return nil
}

// show prints the current content of a pad once.
func show(ctx context.Context, opts docopt.Opts) error {
	padName, _ := opts.String("<pad>")
	url, _ := opts.String("--url")
	tok, _ := opts.String("--token")
	format, _ := opts.String("--format")

	c := client.NewHTTPClient(url, tok)
	switch format {
	case "raw":
		p, err := c.Pad(ctx, padName)
		if err != nil {
			return err
		}
		fmt.Print(p.Content)
	case "text":
		out, err := c.RenderText(ctx, padName)
		if err != nil {
			return err
		}
		fmt.Print(out)
	case "html":
		out, err := c.RenderHTML(ctx, padName)
		if err != nil {
			return err
		}
		fmt.Print(out)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	return nil
}

// view opens the terminal viewer for a pad.
func view(ctx context.Context, opts docopt.Opts) error {
	padName, _ := opts.String("<pad>")
	url, _ := opts.String("--url")
	tok, _ := opts.String("--token")
	style, _ := opts.String("--style")

	// Log lines would corrupt the alternate screen.
	logging.Setup(logging.Options{Level: "disabled"})

	ws, err := client.NewWSClient(url, padName, tok)
	if err != nil {
		return err
	}
	m := tui.New(padName, client.NewHTTPClient(url, tok), ws.Watch(ctx), tui.WithStyle(style))
	_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

// pads lists the pads the server knows about.
func pads(ctx context.Context, opts docopt.Opts) error {
	url, _ := opts.String("--url")
	tok, _ := opts.String("--token")

	list, err := client.NewHTTPClient(url, tok).Pads(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PAD\tSUBSCRIBERS\tPOLLING\tHEALTH\tUPDATED")
	for _, p := range list {
		health := "-"
		if p.Health != nil {
			health = p.Health.Status
		}
		updated := "-"
		if !p.UpdatedAt.IsZero() {
			updated = p.UpdatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%d\t%t\t%s\t%s\n", p.Pad, p.Subscribers, p.Polling, health, updated)
	}
	return w.Flush()
}

// token issues a JWT the server accepts, optionally scoped to one pad.
func token(opts docopt.Opts) error {
	secret, _ := opts.String("--secret")
	padName, _ := opts.String("<pad>")
	subject, _ := opts.String("--subject")
	ttlStr, _ := opts.String("--ttl")

	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		return fmt.Errorf("invalid --ttl: %w", err)
	}
	signed, err := auth.New("", secret).Issue(subject, padName, ttl)
	if err != nil {
		return err
	}
	fmt.Println(signed)
	return nil
}

// watchFeed prints change events from the NATS change feed.
func watchFeed(ctx context.Context, opts docopt.Opts) error {
	padName, _ := opts.String("<pad>")
	natsURL, _ := opts.String("--nats")
	prefix, _ := opts.String("--prefix")

	nc, err := nats.Connect(natsURL, nats.Name("padctl"))
	if err != nil {
		return fmt.Errorf("connect %s: %w", natsURL, err)
	}
	defer nc.Close()

	unsubscribe, err := feed.Subscribe(nc, prefix, padName, func(ev padsync.ChangeEvent) {
		log.Info().
			Str("pad", ev.Pad).
			Str("fingerprint", ev.Fingerprint).
			Str("previous", ev.Previous).
			Int("size", ev.Size).
			Time("changedAt", ev.ChangedAt).
			Msg("changed")
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	<-ctx.Done()
	return nil
}
