// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/eyakubovich/etcd/pkg/kvpb"
	"github.com/eyakubovich/etcd/pkg/util/metric"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func makeShellCommand() *cobra.Command {
	var minLeaseTTL time.Duration
	runCmdFunc := func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		c, err := startCore(minLeaseTTL)
		if err != nil {
			return err
		}
		defer c.stop(ctx)
		sh := &shell{core: c, in: bufio.NewReader(os.Stdin), out: os.Stdout}
		return sh.run(ctx)
	}
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive session against a fresh embedded core",
		Long: `Start an interactive session against a fresh embedded core.

The session reads commands from stdin, one per line, and applies them to an
in-process store that starts empty and lives for the session. Type "help" at
the prompt for the command list.`,
		Args: cobra.NoArgs,
		RunE: runCmdFunc,
	}
	cmd.Flags().DurationVar(&minLeaseTTL, "min-lease-ttl", 0,
		"minimum granted lease TTL; 0 takes the server default")
	return cmd
}

const shellHelp = `commands:
  put <key> <value>                write a key
  get <key> [<end> [<index>]]      read a key or span, optionally at a past index
  del <key> [<end>]                delete a key or span
  create <key> <value>             write only if the key does not exist
  txn <key> <expected> <value>     compare-and-swap on the key's current value
  watch <key> [<end> [<index>]]    stream events for a span; enter stops
  lease create <ttl-seconds>       grant a lease
  lease attach <id> <key>          attach a key to a lease
  lease keepalive <id>             refresh a lease's deadline
  lease ttl <id>                   show remaining lifetime and attached keys
  lease revoke <id>                revoke a lease, deleting its attached keys
  lease list                       list active leases
  compact <index>                  discard history below an index
  metrics                          dump metrics in Prometheus text format
  index                            show the current global index
  quit                             leave the shell`

// shell is an interactive session against an embedded core. Commands
// run one at a time on the REPL goroutine; only watch event printing
// happens concurrently, on the dispatcher's output goroutine.
type shell struct {
	core *core
	in   *bufio.Reader
	out  io.Writer
}

func (sh *shell) run(ctx context.Context) error {
	fmt.Fprintln(sh.out, `embedded core ready; type "help" for the command list`)
	for {
		fmt.Fprint(sh.out, "> ")
		line, err := sh.in.ReadString('\n')
		if err == io.EOF {
			fmt.Fprintln(sh.out)
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		if err := sh.dispatch(ctx, fields[0], fields[1:]); err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", err)
		}
	}
}

func (sh *shell) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help":
		fmt.Fprintln(sh.out, shellHelp)
		return nil
	case "put":
		return sh.put(ctx, args)
	case "get":
		return sh.get(ctx, args)
	case "del":
		return sh.del(ctx, args)
	case "create":
		return sh.create(ctx, args)
	case "txn":
		return sh.txn(ctx, args)
	case "watch":
		return sh.watch(ctx, args)
	case "lease":
		return sh.lease(ctx, args)
	case "compact":
		return sh.compact(ctx, args)
	case "metrics":
		return sh.metrics()
	case "index":
		fmt.Fprintf(sh.out, "%d\n", sh.core.srv.Index())
		return nil
	default:
		return errors.Newf("unknown command %q; try \"help\"", cmd)
	}
}

func (sh *shell) put(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: put <key> <value>")
	}
	resp, err := sh.core.srv.Put(ctx, &kvpb.PutRequest{
		Key: []byte(args[0]), Value: []byte(args[1]),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "OK at index %d\n", resp.Index)
	return nil
}

func (sh *shell) get(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return errors.New("usage: get <key> [<end> [<index>]]")
	}
	req := &kvpb.RangeRequest{Key: []byte(args[0])}
	if len(args) >= 2 {
		req.RangeEnd = []byte(args[1])
	}
	if len(args) == 3 {
		idx, err := parseInt(args[2])
		if err != nil {
			return err
		}
		req.Index = idx
	}
	resp, err := sh.core.srv.Range(ctx, req)
	if err != nil {
		return err
	}
	sh.printKvs(resp)
	return nil
}

func (sh *shell) del(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: del <key> [<end>]")
	}
	req := &kvpb.DeleteRangeRequest{Key: []byte(args[0])}
	if len(args) == 2 {
		req.RangeEnd = []byte(args[1])
	}
	resp, err := sh.core.srv.DeleteRange(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "deleted %d keys at index %d\n", resp.Deleted, resp.Index)
	return nil
}

// create writes the key only if it has never been written, or was
// deleted since: a guard on create index zero.
func (sh *shell) create(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: create <key> <value>")
	}
	key := []byte(args[0])
	req := &kvpb.TxnRequest{
		Compare: []kvpb.Compare{{
			Key:    key,
			Result: kvpb.CompareEqual,
			Target: kvpb.CompareCreate,
		}},
	}
	var put kvpb.RequestUnion
	put.MustSetInner(&kvpb.PutRequest{Key: key, Value: []byte(args[1])})
	req.Success = []kvpb.RequestUnion{put}
	var read kvpb.RequestUnion
	read.MustSetInner(&kvpb.RangeRequest{Key: key})
	req.Failure = []kvpb.RequestUnion{read}

	resp, err := sh.core.srv.Txn(ctx, req)
	if err != nil {
		return err
	}
	if resp.Succeeded {
		fmt.Fprintf(sh.out, "created at index %d\n", resp.Index)
		return nil
	}
	cur := resp.Responses[0].Range
	if len(cur.Kvs) > 0 {
		fmt.Fprintf(sh.out, "exists with value %q (version %d)\n",
			cur.Kvs[0].Value, cur.Kvs[0].Version)
	} else {
		fmt.Fprintf(sh.out, "not created\n")
	}
	return nil
}

// txn compare-and-swaps the key's value: if the current value equals
// the expected one the new value is written, otherwise the current
// version is reported.
func (sh *shell) txn(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errors.New("usage: txn <key> <expected-value> <new-value>")
	}
	key := []byte(args[0])
	req := &kvpb.TxnRequest{
		Compare: []kvpb.Compare{{
			Key:    key,
			Result: kvpb.CompareEqual,
			Target: kvpb.CompareValue,
			Value:  []byte(args[1]),
		}},
	}
	var put kvpb.RequestUnion
	put.MustSetInner(&kvpb.PutRequest{Key: key, Value: []byte(args[2])})
	req.Success = []kvpb.RequestUnion{put}
	var read kvpb.RequestUnion
	read.MustSetInner(&kvpb.RangeRequest{Key: key})
	req.Failure = []kvpb.RequestUnion{read}

	resp, err := sh.core.srv.Txn(ctx, req)
	if err != nil {
		return err
	}
	if resp.Succeeded {
		fmt.Fprintf(sh.out, "swapped at index %d\n", resp.Index)
		return nil
	}
	cur := resp.Responses[0].Range
	if len(cur.Kvs) > 0 {
		fmt.Fprintf(sh.out, "no swap: current value %q (mod index %d)\n",
			cur.Kvs[0].Value, cur.Kvs[0].ModIndex)
	} else {
		fmt.Fprintf(sh.out, "no swap: key does not exist\n")
	}
	return nil
}

func (sh *shell) watch(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return errors.New("usage: watch <key> [<end> [<index>]]")
	}
	create := &kvpb.WatchCreate{Key: []byte(args[0])}
	if len(args) >= 2 {
		create.RangeEnd = []byte(args[1])
	}
	if len(args) == 3 {
		idx, err := parseInt(args[2])
		if err != nil {
			return err
		}
		create.StartIndex = idx
	}

	wctx, cancel := context.WithCancel(ctx)
	stream := &printStream{ctx: wctx, out: sh.out}
	ws := sh.core.srv.NewWatchStream(stream)
	// Canceling the context before Close silences the shutdown
	// responses the session would otherwise emit for its watches.
	defer ws.Close()
	defer cancel()

	if err := ws.HandleRequest(wctx, &kvpb.WatchRequest{Create: create}); err != nil {
		return err
	}
	fmt.Fprintln(sh.out, "watching; press enter to stop")
	if _, err := sh.in.ReadString('\n'); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// printStream renders watch responses to the shell as they arrive.
type printStream struct {
	ctx context.Context
	out io.Writer
}

func (s *printStream) Context() context.Context { return s.ctx }

func (s *printStream) Send(resp *kvpb.WatchResponse) error {
	switch {
	case resp.Created && resp.Canceled:
		fmt.Fprintf(s.out, "watch rejected: %s\n", resp.CancelReason)
	case resp.Created:
		fmt.Fprintf(s.out, "watch %d created at index %d\n", resp.WatchID, resp.Index)
	case resp.Canceled:
		reason := resp.CancelReason
		if reason == "" {
			reason = "canceled"
		}
		fmt.Fprintf(s.out, "watch %d ended: %s\n", resp.WatchID, reason)
	case len(resp.Events) == 0:
		fmt.Fprintf(s.out, "progress at index %d\n", resp.Index)
	default:
		for _, ev := range resp.Events {
			switch ev.Type {
			case kvpb.EventPut:
				fmt.Fprintf(s.out, "%s %q = %q @%d\n", ev.Type, ev.Kv.Key, ev.Kv.Value, ev.Index)
			default:
				fmt.Fprintf(s.out, "%s %q (was %q) @%d\n", ev.Type, ev.Kv.Key, ev.Kv.Value, ev.Index)
			}
		}
	}
	return nil
}

func (sh *shell) lease(ctx context.Context, args []string) error {
	usage := errors.New(
		"usage: lease create <ttl-seconds> | attach <id> <key> | keepalive <id> | ttl <id> | revoke <id> | list")
	if len(args) == 0 {
		return usage
	}
	srv := sh.core.srv
	switch args[0] {
	case "create":
		if len(args) != 2 {
			return usage
		}
		ttl, err := parseInt(args[1])
		if err != nil {
			return err
		}
		resp, err := srv.LeaseCreate(ctx, &kvpb.LeaseCreateRequest{TTL: ttl})
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "lease %d granted with TTL %ds\n", resp.ID, resp.TTL)
		return nil
	case "attach":
		if len(args) != 3 {
			return usage
		}
		id, err := parseInt(args[1])
		if err != nil {
			return err
		}
		resp, err := srv.LeaseAttach(ctx, &kvpb.LeaseAttachRequest{ID: id, Key: []byte(args[2])})
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "attached %q to lease %d at index %d\n", args[2], id, resp.Index)
		return nil
	case "keepalive":
		if len(args) != 2 {
			return usage
		}
		id, err := parseInt(args[1])
		if err != nil {
			return err
		}
		resp, err := srv.LeaseKeepAlive(ctx, &kvpb.LeaseKeepAliveRequest{ID: id})
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "lease %d refreshed, TTL %ds\n", resp.ID, resp.TTL)
		return nil
	case "ttl":
		if len(args) != 2 {
			return usage
		}
		id, err := parseInt(args[1])
		if err != nil {
			return err
		}
		resp, err := srv.LeaseTimeToLive(ctx, &kvpb.LeaseTimeToLiveRequest{ID: id, Keys: true})
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "lease %d: %ds remaining of %ds granted\n",
			resp.ID, resp.TTL, resp.GrantedTTL)
		for _, key := range resp.Keys {
			fmt.Fprintf(sh.out, "  %q\n", key)
		}
		return nil
	case "revoke":
		if len(args) != 2 {
			return usage
		}
		id, err := parseInt(args[1])
		if err != nil {
			return err
		}
		resp, err := srv.LeaseRevoke(ctx, &kvpb.LeaseRevokeRequest{ID: id})
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "lease %d revoked at index %d\n", id, resp.Index)
		return nil
	case "list":
		if len(args) != 1 {
			return usage
		}
		resp, err := srv.LeaseLeases(ctx, &kvpb.LeaseLeasesRequest{})
		if err != nil {
			return err
		}
		if len(resp.Leases) == 0 {
			fmt.Fprintln(sh.out, "no active leases")
			return nil
		}
		for _, l := range resp.Leases {
			fmt.Fprintf(sh.out, "lease %d\n", l.ID)
		}
		return nil
	default:
		return usage
	}
}

func (sh *shell) compact(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: compact <index>")
	}
	idx, err := parseInt(args[0])
	if err != nil {
		return err
	}
	resp, err := sh.core.srv.Compact(ctx, &kvpb.CompactRequest{Index: idx})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "compacted history below index %d (current index %d)\n", idx, resp.Index)
	return nil
}

func (sh *shell) metrics() error {
	exporter := metric.MakePrometheusExporter()
	return exporter.ScrapeAndPrintAsText(sh.out, sh.core.registry)
}

func (sh *shell) printKvs(resp *kvpb.RangeResponse) {
	if len(resp.Kvs) > 0 {
		table := tablewriter.NewWriter(sh.out)
		table.SetAutoFormatHeaders(false)
		table.SetAutoWrapText(false)
		table.SetHeader([]string{"key", "value", "create", "mod", "version"})
		for _, kv := range resp.Kvs {
			table.Append([]string{
				string(kv.Key),
				string(kv.Value),
				strconv.FormatInt(kv.CreateIndex, 10),
				strconv.FormatInt(kv.ModIndex, 10),
				strconv.FormatInt(kv.Version, 10),
			})
		}
		table.Render()
	}
	suffix := ""
	if resp.More {
		suffix = ", more"
	}
	fmt.Fprintf(sh.out, "(%d keys at index %d%s)\n", resp.Count, resp.Index, suffix)
}

func parseInt(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Newf("not a number: %q", s)
	}
	return v, nil
}
