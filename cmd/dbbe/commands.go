package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Perf-Org-5KRepos/data-broker/backend"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// pollInterval is the pause between completion checks while a cli command
// waits for its own request.
const pollInterval = 200 * time.Microsecond

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Print the slot layout the backend discovered",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := setupApp(cmd.Context())
		defer a.close()

		_, err := io.WriteString(cmd.OutOrStdout(), describeTopology(a.backend))
		return err
	},
}

var putCmd = &cobra.Command{
	Use:   "put KEY VALUE",
	Short: "Store a value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSingle(cmd, &backend.Request{
			Opcode: backend.OpPut,
			Key:    []byte(args[0]),
			Value:  []byte(args[1]),
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Fetch a value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSingle(cmd, &backend.Request{
			Opcode: backend.OpGet,
			Key:    []byte(args[0]),
		})
	},
}

var delCmd = &cobra.Command{
	Use:   "del KEY",
	Short: "Remove a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSingle(cmd, &backend.Request{
			Opcode: backend.OpRemove,
			Key:    []byte(args[0]),
		})
	},
}

var existsCmd = &cobra.Command{
	Use:   "exists KEY",
	Short: "Check whether a key exists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSingle(cmd, &backend.Request{
			Opcode: backend.OpExists,
			Key:    []byte(args[0]),
		})
	},
}

var benchCount int
var benchValueSize int
var benchBatch int

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Post a stream of puts and report the completion rate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := setupApp(cmd.Context())
		defer a.close()

		if kind, _ := backend.ParseKind(a.config.backendKind); kind == backend.KindStub {
			return errors.New("the stub backend never completes requests")
		}

		res, err := runBench(cmd.Context(), a.backend, benchCount, benchValueSize, benchBatch)
		if err != nil {
			return err
		}

		a.logger.Info("benchmark finished",
			zap.Int("ok", res.ok),
			zap.Int("failed", res.failed),
			zap.Duration("elapsed", res.elapsed))
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d ok, %d failed in %s (%.0f ops/s)\n",
			res.ok, res.failed, res.elapsed, float64(res.ok+res.failed)/res.elapsed.Seconds())
		return err
	},
}

func init() {
	benchCmd.Flags().IntVar(&benchCount, "count", 10000, "the number of puts to issue")
	benchCmd.Flags().IntVar(&benchValueSize, "value-size", 64, "the size of each value in bytes")
	benchCmd.Flags().IntVar(&benchBatch, "batch", 32, "the number of posts between triggers")
}

func runSingle(cmd *cobra.Command, req *backend.Request) error {
	a := setupApp(cmd.Context())
	defer a.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.config.opTimeout)
	defer cancel()

	if req.Opcode == backend.OpGet {
		req.Dest = [][]byte{make([]byte, a.config.bufferSize)}
	}

	comp, err := execute(ctx, a.backend, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case comp.Status == backend.StatusNotFound && comp.Opcode == backend.OpGet:
		return errors.Wrapf(backend.ErrNotFound, "key %q", req.Key)
	case comp.Status == backend.StatusOK && comp.Opcode == backend.OpGet:
		_, err = fmt.Fprintf(out, "%s\n", comp.Value)
	case comp.Status == backend.StatusOK && comp.Opcode == backend.OpPut:
		_, err = fmt.Fprintln(out, "OK")
	case comp.Status == backend.StatusOK || comp.Status == backend.StatusNotFound:
		_, err = fmt.Fprintln(out, strconv.FormatInt(comp.Rc, 10))
	default:
		return errors.Wrapf(comp.Err, "request %s", comp.Status)
	}
	return err
}

// execute posts req and polls until it completes. On timeout the request is
// canceled before returning.
func execute(ctx context.Context, be backend.Backend, req *backend.Request) (*backend.Completion, error) {
	h, err := be.Post(req, true)
	if err != nil {
		return nil, err
	}

	for {
		comp, err := be.Test(h)
		if err == nil {
			return comp, nil
		}
		if !errors.Is(err, backend.ErrNotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			cancelCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = be.Cancel(cancelCtx, h)
			cancel()
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

type benchResult struct {
	ok      int
	failed  int
	elapsed time.Duration
}

// runBench keeps the backend saturated with puts, draining completions with
// TestAny whenever the queue pushes back.
func runBench(ctx context.Context, be backend.Backend, count, valueSize, batch int) (benchResult, error) {
	if count <= 0 || batch <= 0 || valueSize < 0 {
		return benchResult{}, errors.Wrap(backend.ErrInvalidArgument, "count and batch must be positive")
	}

	value := make([]byte, valueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	var res benchResult
	drain := func() bool {
		comp, err := be.TestAny()
		if err != nil {
			return false
		}
		if comp.Status == backend.StatusOK {
			res.ok++
		} else {
			res.failed++
		}
		return true
	}

	start := time.Now()
	posted := 0
	for posted < count {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		trigger := (posted+1)%batch == 0 || posted+1 == count
		_, err := be.Post(&backend.Request{
			Opcode: backend.OpPut,
			Key:    []byte("bench:" + strconv.Itoa(posted)),
			Value:  value,
		}, trigger)
		if errors.Is(err, backend.ErrResourceExhausted) {
			if !drain() {
				time.Sleep(pollInterval)
			}
			continue
		}
		if err != nil {
			return res, err
		}
		posted++
	}

	for res.ok+res.failed < count {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !drain() {
			time.Sleep(pollInterval)
		}
	}

	res.elapsed = time.Since(start)
	return res, nil
}
