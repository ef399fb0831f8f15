package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/runflow/api"
	"github.com/BaSui01/runflow/config"
	"github.com/BaSui01/runflow/workflow"
	"github.com/BaSui01/runflow/workflow/dsl"
)

// =============================================================================
// ▶️ run 命令：一次性执行工作流
// =============================================================================

// varFlags collects repeatable -var name=value flags. Values are decoded as
// YAML scalars so numbers and booleans keep their type.
type varFlags map[string]any

func (v varFlags) String() string {
	parts := make([]string, 0, len(v))
	for k, val := range v {
		parts = append(parts, fmt.Sprintf("%s=%v", k, val))
	}
	return strings.Join(parts, ",")
}

func (v varFlags) Set(s string) error {
	name, raw, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	v[name] = parseVarValue(raw)
	return nil
}

func parseVarValue(raw string) any {
	if raw == "" {
		return ""
	}
	var out any
	if err := yaml.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return raw
	}
	switch x := out.(type) {
	case map[string]any, []any:
		// 复合值按原文传递
		return raw
	case int:
		return float64(x)
	default:
		return x
	}
}

// runOptions is the parsed form of `runflow run` flags.
type runOptions struct {
	configPath string
	file       string
	request    api.RunRequest
	events     bool
	timeout    time.Duration
}

func parseRunFlags(args []string, stderr io.Writer) (*runOptions, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &runOptions{}
	vars := varFlags{}
	fs.StringVar(&opts.configPath, "config", "", "Path to config file")
	fs.StringVar(&opts.file, "file", "", `Workflow definition file ("-" reads stdin)`)
	fs.StringVar(&opts.request.Mode, "mode", api.RunModeFull, "Run mode: full, to, single, from")
	fs.StringVar(&opts.request.Node, "node", "", "Target node for to/single/from")
	fs.BoolVar(&opts.request.UseCache, "use-cache", false, "Seed from cached outputs (mode from)")
	fs.Var(vars, "var", "Variable override name=value (repeatable)")
	fs.BoolVar(&opts.events, "events", false, "Stream events to stderr as JSON lines")
	fs.DurationVar(&opts.timeout, "timeout", 0, "Abort the run after this duration")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.file == "" && fs.NArg() > 0 {
		opts.file = fs.Arg(0)
	}
	if opts.file == "" {
		return nil, fmt.Errorf("--file is required")
	}
	if strings.EqualFold(filepath.Ext(opts.file), ".json") {
		opts.request.Format = api.FormatJSON
	}
	opts.request.Variables = vars
	return opts, nil
}

// runWorkflow 执行 `runflow run` 并返回进程退出码：
// 0 运行成功，1 运行失败或被停止，2 参数或定义错误
func runWorkflow(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseRunFlags(args, stderr)
	if err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(stderr, "run: %v\n", err)
		}
		return 2
	}

	data, err := readDefinition(opts.file, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 2
	}
	opts.request.Definition = string(data)
	if err := opts.request.Normalize(); err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 2
	}
	// stdout 只输出摘要
	cfg.Log.OutputPaths = []string{"stderr"}
	logger, _ := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if opts.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	rt, err := newEngineRuntime(ctx, func() *config.Config { return cfg }, logger, nil)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	defer func() { _ = rt.Close() }()

	summary, err := executeRequest(ctx, rt, opts.request, opts.events, cfg.Engine.EventBuffer, stderr)
	if err != nil && summary.RunID == "" {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 2
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(summary); encErr != nil {
		logger.Error("writing summary failed", zap.Error(encErr))
	}
	if err != nil || summary.Failed || summary.Stopped {
		return 1
	}
	return 0
}

// executeRequest parses req with the runtime's parser, runs it in the
// requested mode and optionally streams events to w.
func executeRequest(ctx context.Context, rt *engineRuntime, req api.RunRequest, events bool, buffer int, w io.Writer) (workflow.ExecutionSummary, error) {
	var (
		wf  *dsl.Workflow
		err error
	)
	if req.Format == api.FormatJSON {
		wf, err = rt.parser.ParseJSON([]byte(req.Definition))
	} else {
		wf, err = rt.parser.Parse([]byte(req.Definition))
	}
	if err != nil {
		return workflow.ExecutionSummary{}, err
	}

	vars := make(map[string]any, len(wf.Variables)+len(req.Variables))
	for k, v := range wf.Variables {
		vars[k] = v
	}
	for k, v := range req.Variables {
		vars[k] = v
	}

	var (
		sink *workflow.ChannelSink
		wg   sync.WaitGroup
	)
	if events {
		sink = workflow.NewChannelSink(buffer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			enc := json.NewEncoder(w)
			for e := range sink.Events() {
				_ = enc.Encode(e)
			}
		}()
	}

	var es workflow.EventSink
	if sink != nil {
		es = sink
	}
	engine, err := rt.NewEngine(wf, vars, es)
	if err != nil {
		if sink != nil {
			sink.Close()
			wg.Wait()
		}
		return workflow.ExecutionSummary{}, err
	}

	var summary workflow.ExecutionSummary
	switch req.Mode {
	case api.RunModeTo:
		summary, err = engine.RunTo(ctx, req.Node)
	case api.RunModeSingle:
		summary, err = engine.RunSingle(ctx, req.Node)
	case api.RunModeFrom:
		summary, err = engine.RunFrom(ctx, req.Node, req.UseCache)
	default:
		summary, err = engine.Run(ctx)
	}

	if sink != nil {
		sink.Close()
		wg.Wait()
	}
	return summary, err
}

func readDefinition(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return data, nil
}
