// Package backend implements the printer backends the spooler submits to:
// CUPS queues driven through the lp tools and raw TSPL2 printers on TCP.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/orrn/instalabel/internal/core"
)

// Runner executes an external command, feeding stdin when non-nil, and
// returns its combined output.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return out, err
		}
		return out, fmt.Errorf("%w: %s", err, msg)
	}
	return out, nil
}

type CUPSOptions struct {
	LpstatPath string
	LpPath     string
	Runner     Runner
	Logger     *zap.Logger
}

// CUPS lists and prints to the local CUPS queues.
type CUPS struct {
	lpstat string
	lp     string
	runner Runner
	logger *zap.Logger
}

var (
	deviceLine = regexp.MustCompile(`^device for ([^:]+):\s*(.*)$`)
	requestID  = regexp.MustCompile(`request id is (\S+)`)
)

func NewCUPS(opts CUPSOptions) *CUPS {
	if opts.LpstatPath == "" {
		opts.LpstatPath = "lpstat"
	}
	if opts.LpPath == "" {
		opts.LpPath = "lp"
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &CUPS{
		lpstat: opts.LpstatPath,
		lp:     opts.LpPath,
		runner: opts.Runner,
		logger: opts.Logger,
	}
}

func (c *CUPS) Name() string { return "cups" }

// Enumerate lists every installed queue via `lpstat -v`. A system with no
// queues is not an error.
func (c *CUPS) Enumerate(ctx context.Context) ([]core.PrinterDescriptor, error) {
	out, err := c.runner.Run(ctx, nil, c.lpstat, "-v")
	if err != nil {
		if isNoDestinations(out) {
			return []core.PrinterDescriptor{}, nil
		}
		return nil, fmt.Errorf("lpstat: %w", err)
	}
	return parseDevices(out), nil
}

func (c *CUPS) Submit(ctx context.Context, printerName string, doc *core.Document, jobLabel string, opts core.PrintOptions) error {
	if doc == nil || len(doc.PDF) == 0 {
		return fmt.Errorf("%w: empty document", core.ErrPrintBackend)
	}

	args := []string{"-d", printerName}
	if jobLabel != "" {
		args = append(args, "-t", jobLabel)
	}
	for _, opt := range opts {
		args = append(args, "-o", opt.Key+"="+opt.Value)
	}

	out, err := c.runner.Run(ctx, bytes.NewReader(doc.PDF), c.lp, args...)
	if err != nil {
		return fmt.Errorf("%w: lp %s: %v", core.ErrPrintBackend, printerName, err)
	}

	fields := []zap.Field{zap.String("printer", printerName)}
	if m := requestID.FindSubmatch(out); m != nil {
		fields = append(fields, zap.String("request_id", string(m[1])))
	}
	c.logger.Info("submitted to cups", fields...)
	return nil
}

func parseDevices(out []byte) []core.PrinterDescriptor {
	printers := []core.PrinterDescriptor{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		m := deviceLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		uri := strings.TrimSpace(m[2])
		printers = append(printers, core.PrinterDescriptor{
			Name:      m[1],
			Transport: core.TransportWired,
			State:     core.StateConnected,
			Metadata: map[string]string{
				"system":     "cups",
				"device_uri": uri,
				"connection": uriScheme(uri),
			},
		})
	}
	return printers
}

func uriScheme(uri string) string {
	if i := strings.Index(uri, ":"); i > 0 {
		return uri[:i]
	}
	return ""
}

func isNoDestinations(out []byte) bool {
	return bytes.Contains(bytes.ToLower(out), []byte("no destinations added"))
}
