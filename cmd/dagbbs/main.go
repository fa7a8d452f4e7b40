// Command dagbbs is a client for a blockDAG-hosted discussion board. Threads
// live as payloads on a shared protocol address, replies on their authors'
// own addresses; the client syncs both incrementally into a local sqlite
// cache and delegates all writes to an external signer.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"dag-bbs/client-go/forum/confirm"
	"dag-bbs/client-go/forum/config"
	"dag-bbs/client-go/forum/dagnode"
	"dag-bbs/client-go/forum/feed"
	"dag-bbs/client-go/forum/store"
	fsync "dag-bbs/client-go/forum/sync"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "threads":
			os.Exit(runThreads(os.Args[2:]))
		case "thread":
			os.Exit(runThread(os.Args[2:]))
		case "post":
			os.Exit(runPost(os.Args[2:]))
		case "reply":
			os.Exit(runReply(os.Args[2:]))
		case "hide":
			os.Exit(runHide(os.Args[2:]))
		case "filter-add":
			os.Exit(runFilterAdd(os.Args[2:]))
		case "filter-list":
			os.Exit(runFilterList(os.Args[2:]))
		case "filter-remove":
			os.Exit(runFilterRemove(os.Args[2:]))
		case "verify":
			os.Exit(runVerify(os.Args[2:]))
		case "watch":
			os.Args = append(os.Args[:1], os.Args[2:]...)
		}
	}

	flag.Parse()
	os.Exit(runWatch())
}

// app wires one command invocation: config, store, node client and the feed.
type app struct {
	cfg      *config.Config
	db       store.DB
	node     *dagnode.Client
	feed     *feed.Feed
	stopMdns func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var stopMdns func()
	if cfg.Node.BaseURL == "" {
		discovered, err := discoverNodeBaseURL(ctx, defaultMdnsTimeout)
		if err != nil {
			return nil, fmt.Errorf("no node configured and mdns discovery failed: %w", err)
		}
		log.Printf("mdns discovered node: %s", discovered)
		cfg.Node.BaseURL = discovered
	} else if cfg.MDNS.Enabled && cfg.MDNS.Advertise {
		s, err := advertiseNodeBaseURL(cfg.Node.BaseURL)
		if err != nil {
			log.Printf("mdns advertise failed: %v", err)
		} else {
			stopMdns = s
		}
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		if stopMdns != nil {
			stopMdns()
		}
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}

	node := dagnode.New(cfg.Node.BaseURL)
	f := &feed.Feed{
		DB: db,
		Optimizer: &fsync.Optimizer{
			DB:              db,
			Fetch:           node.FullTransactions,
			ProtocolAddress: cfg.Node.ProtocolAddress,
		},
		// A configured signer means a wallet session: refresh aggressively.
		Connected: func() bool { return cfg.Node.SignerURL != "" },
	}
	return &app{cfg: cfg, db: db, node: node, feed: f, stopMdns: stopMdns}, nil
}

func (a *app) close() {
	if a.stopMdns != nil {
		a.stopMdns()
	}
	if err := a.db.Close(); err != nil {
		log.Printf("store close: %v", err)
	}
}

func runThreads(args []string) int {
	fs := flag.NewFlagSet("threads", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print the thread index as JSON")
	_ = fs.Parse(args)

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		log.Printf("setup: %v", err)
		return 1
	}
	defer a.close()

	threads, err := a.feed.Threads(ctx)
	if err != nil {
		log.Printf("threads: %v", err)
		return 1
	}
	if *asJSON {
		b, _ := json.Marshal(threads)
		fmt.Printf("%s\n", b)
		return 0
	}
	for _, th := range threads {
		mark := " "
		if th.Archived {
			mark = "A"
		}
		unread, _ := a.feed.UnreadReplies(ctx, th.ID)
		fmt.Printf("%s %s  [%s/%s] %s (+%d) %s\n",
			mark, th.ID, th.Theme, th.Language, th.Title, unread, th.ObservedAt.Format(time.RFC3339))
	}
	return 0
}

func runThread(args []string) int {
	fs := flag.NewFlagSet("thread", flag.ExitOnError)
	id := fs.String("id", "", "thread transaction id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*id) == "" {
		log.Printf("missing required fields: --id")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		log.Printf("setup: %v", err)
		return 1
	}
	defer a.close()

	view, err := a.feed.Thread(ctx, *id)
	if err != nil {
		log.Printf("thread: %v", err)
		return 1
	}
	if err := a.feed.MarkVisited(ctx, *id); err != nil {
		log.Printf("mark visited: %v", err)
	}

	fmt.Printf("%s [%s/%s] by %s\n%s\n", view.Root.Title, view.Root.Theme, view.Root.Language, view.Root.AuthorAddress, view.Root.Body)
	for _, r := range view.Replies {
		fmt.Printf("  %s %s: %s\n", r.ObservedAt.Format(time.RFC3339), r.AuthorAddress, r.Body)
	}
	return 0
}

func runPost(args []string) int {
	fs := flag.NewFlagSet("post", flag.ExitOnError)
	theme := fs.String("theme", "General", "thread theme")
	language := fs.String("language", "en", "thread language")
	priority := fs.Uint("priority", 0, "thread priority 0-255")
	title := fs.String("title", "", "thread title (max 40 bytes)")
	body := fs.String("body", "", "thread body (max 400 bytes)")
	_ = fs.Parse(args)

	if *title == "" || *body == "" {
		log.Printf("missing required fields: --title --body")
		return 2
	}

	payload, err := feed.ComposeThread(*theme, *language, uint8(*priority), *title, *body)
	if err != nil {
		log.Printf("compose: %v", err)
		return 2
	}
	return submitAndConfirm(payload, func(a *app) string { return a.cfg.Node.ProtocolAddress })
}

func runReply(args []string) int {
	fs := flag.NewFlagSet("reply", flag.ExitOnError)
	thread := fs.String("thread", "", "thread transaction id")
	body := fs.String("body", "", "reply body (max 400 bytes)")
	author := fs.String("author", "", "own address the signer writes from (confirmation target)")
	_ = fs.Parse(args)

	if *thread == "" || *body == "" || *author == "" {
		log.Printf("missing required fields: --thread --body --author")
		return 2
	}

	payload, err := feed.ComposeReply(*thread, *body)
	if err != nil {
		log.Printf("compose: %v", err)
		return 2
	}
	return submitAndConfirm(payload, func(a *app) string { return *author })
}

// submitAndConfirm sends the payload to the signer, then polls the target
// address until the transaction shows up or the verify timeout passes.
func submitAndConfirm(payload []byte, target func(a *app) string) int {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		log.Printf("setup: %v", err)
		return 1
	}
	defer a.close()

	if a.cfg.Node.SignerURL == "" {
		log.Printf("no signer configured: set node.signer_url or DAGBBS_NODE_SIGNER_URL")
		return 2
	}

	addr := target(a)
	submittedID, err := submitToSigner(ctx, a.cfg.Node.SignerURL, addr, payload)
	if err != nil {
		log.Printf("submit: %v", err)
		return 1
	}
	log.Printf("submitted id=%s, waiting for propagation", submittedID)

	p := &confirm.Poller{Fetch: a.node.FullTransactions}
	found, id, err := p.Verify(ctx, addr, payload, a.cfg.Sync.VerifyTimeout)
	if err != nil {
		log.Printf("verify: %v", err)
		return 1
	}
	if !found {
		fmt.Printf("submitted=%s confirmed=false\n", submittedID)
		return 1
	}
	fmt.Printf("submitted=%s confirmed=true id=%s\n", submittedID, id)
	return 0
}

func runHide(args []string) int {
	fs := flag.NewFlagSet("hide", flag.ExitOnError)
	id := fs.String("id", "", "transaction id to hide locally")
	_ = fs.Parse(args)

	if strings.TrimSpace(*id) == "" {
		log.Printf("missing required fields: --id")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		log.Printf("setup: %v", err)
		return 1
	}
	defer a.close()

	if err := a.feed.Hide(ctx, *id); err != nil {
		log.Printf("hide: %v", err)
		return 1
	}
	fmt.Printf("ok hidden=%s\n", *id)
	return 0
}

func runFilterAdd(args []string) int {
	fs := flag.NewFlagSet("filter-add", flag.ExitOnError)
	term := fs.String("term", "", "term to suppress locally")
	_ = fs.Parse(args)

	if strings.TrimSpace(*term) == "" {
		log.Printf("missing required fields: --term")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		log.Printf("setup: %v", err)
		return 1
	}
	defer a.close()

	ft, err := a.feed.AddFilteredTerm(ctx, *term)
	if err != nil {
		log.Printf("filter add: %v", err)
		return 1
	}
	fmt.Printf("ok id=%s term=%s\n", ft.ID, ft.Term)
	return 0
}

func runFilterList(args []string) int {
	fs := flag.NewFlagSet("filter-list", flag.ExitOnError)
	_ = fs.Parse(args)

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		log.Printf("setup: %v", err)
		return 1
	}
	defer a.close()

	terms, err := a.feed.FilteredTerms(ctx)
	if err != nil {
		log.Printf("filter list: %v", err)
		return 1
	}
	b, err := json.Marshal(terms)
	if err != nil {
		log.Printf("marshal error: %v", err)
		return 1
	}
	fmt.Printf("%s\n", b)
	return 0
}

func runFilterRemove(args []string) int {
	fs := flag.NewFlagSet("filter-remove", flag.ExitOnError)
	id := fs.String("id", "", "filtered term id")
	_ = fs.Parse(args)

	if strings.TrimSpace(*id) == "" {
		log.Printf("missing required fields: --id")
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		log.Printf("setup: %v", err)
		return 1
	}
	defer a.close()

	if err := a.feed.RemoveFilteredTerm(ctx, *id); err != nil {
		log.Printf("filter remove: %v", err)
		return 1
	}
	fmt.Printf("ok removed=%s\n", *id)
	return 0
}

func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	address := fs.String("address", "", "address to scan")
	payloadHex := fs.String("payload-hex", "", "expected payload, hex encoded")
	timeout := fs.Duration("timeout", 60*time.Second, "how long to keep polling")
	_ = fs.Parse(args)

	if *address == "" || *payloadHex == "" {
		log.Printf("missing required fields: --address --payload-hex")
		return 2
	}
	payload, err := hex.DecodeString(strings.TrimSpace(*payloadHex))
	if err != nil {
		log.Printf("invalid payload hex: %v", err)
		return 2
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		log.Printf("setup: %v", err)
		return 1
	}
	defer a.close()

	p := &confirm.Poller{Fetch: a.node.FullTransactions}
	found, id, err := p.Verify(ctx, *address, payload, *timeout)
	if err != nil {
		log.Printf("verify: %v", err)
		return 1
	}
	if !found {
		fmt.Printf("found=false\n")
		return 1
	}
	fmt.Printf("found=true id=%s\n", id)
	return 0
}

// runWatch is the long-running mode: a background refresh of the thread index
// on every sync tick and an expired-cache sweep on every prune tick, until a
// signal arrives.
func runWatch() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		log.Printf("setup: %v", err)
		return 1
	}
	defer a.close()

	sigCh := make(chan os.Signal, 1)
	signals := []os.Signal{os.Interrupt}
	if runtime.GOOS != "windows" {
		signals = append(signals, syscall.SIGTERM)
	}
	signal.Notify(sigCh, signals...)
	go func() {
		<-sigCh
		log.Printf("signal received, shutting down")
		cancel()
	}()

	c := cron.New()
	if _, err := c.AddFunc("@every "+a.cfg.Sync.Interval.String(), func() { refreshOnce(ctx, a) }); err != nil {
		log.Printf("schedule refresh: %v", err)
		return 1
	}
	if _, err := c.AddFunc("@every "+a.cfg.Sync.PruneInterval.String(), func() {
		if n, err := a.feed.PruneExpiredCache(ctx); err != nil {
			log.Printf("cache prune: %v", err)
		} else if n > 0 {
			log.Printf("cache prune: dropped %d entries", n)
		}
	}); err != nil {
		log.Printf("schedule prune: %v", err)
		return 1
	}

	log.Printf("dagbbs watching node=%s protocol=%s interval=%s",
		a.cfg.Node.BaseURL, a.cfg.Node.ProtocolAddress, a.cfg.Sync.Interval)
	refreshOnce(ctx, a)
	c.Start()

	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return 0
}

// refreshOnce re-syncs the index and scans every visible thread for new
// replies, so unread counts are current before anyone opens the board.
func refreshOnce(ctx context.Context, a *app) {
	threads, err := a.feed.Threads(ctx)
	if err != nil {
		log.Printf("index refresh: %v", err)
		return
	}
	fresh := 0
	for _, th := range threads {
		unread, err := a.feed.UnreadReplies(ctx, th.ID)
		if err != nil {
			log.Printf("reply scan %s: %v", th.ID, err)
			continue
		}
		if unread > 0 {
			fresh++
			log.Printf("thread %s: %d new replies", th.ID, unread)
		}
	}
	a.feed.MarkPageChecked(ctx, 1)
	log.Printf("refresh done: %d threads, %d with new replies", len(threads), fresh)
}

// submitToSigner hands the payload to the external signer, which owns keys,
// amounts and fee handling. The response carries the submitted transaction
// id.
func submitToSigner(ctx context.Context, signerURL, address string, payload []byte) (string, error) {
	reqBody, err := json.Marshal(map[string]string{
		"address": address,
		"payload": hex.EncodeToString(payload),
	})
	if err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(signerURL, "/") + "/submit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return "", fmt.Errorf("signer http %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		TransactionID string `json:"transactionId"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode signer response: %w", err)
	}
	if out.TransactionID == "" {
		return "", fmt.Errorf("signer returned no transaction id")
	}
	return out.TransactionID, nil
}
