package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"Fairfy-Chain/internal/config"
	"Fairfy-Chain/internal/memory"
	"Fairfy-Chain/internal/observability/alerting"
	"Fairfy-Chain/internal/observability/metrics"
	"Fairfy-Chain/internal/profiler"
	"Fairfy-Chain/internal/protocol"
	"Fairfy-Chain/internal/syncloop"
	"Fairfy-Chain/internal/transport"
	"Fairfy-Chain/pkg/logger"
)

// loadConfig 读取配置并用命令行参数覆盖，随后初始化日志。
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	a := &cfg.Agent
	if c.IsSet("name") {
		a.ProcessName = c.String("name")
	}
	if c.IsSet("pid") {
		a.PID = c.Int("pid")
		if !c.IsSet("name") {
			a.ProcessName = ""
		}
	}
	if c.IsSet("filter") {
		a.Filter = c.String("filter")
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveTarget(cfg config.AgentConfig) (int, memory.RegionFilter, error) {
	filter, err := memory.ParseRegionFilter(cfg.Filter)
	if err != nil {
		return 0, 0, err
	}
	pid, err := memory.ResolvePID(cfg.ProcRoot, cfg.ProcessName, cfg.PID)
	if err != nil {
		return 0, 0, err
	}
	return pid, filter, nil
}

func runLoop(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	a := &cfg.Agent
	if c.IsSet("endpoint") {
		a.Endpoint = c.String("endpoint")
	}
	if c.IsSet("rounds") {
		a.MaxRounds = c.Int("rounds")
	}
	if c.IsSet("await") {
		a.AwaitVerdict = c.Bool("await")
	}

	pid, filter, err := resolveTarget(*a)
	if err != nil {
		return err
	}
	dumper := memory.NewDumper(a.ProcRoot, pid)
	defer dumper.Close()

	client, err := transport.NewClient(a.Endpoint, nil,
		transport.WithSendTimeout(a.SendTimeout()),
		transport.WithPollInterval(a.PollInterval()),
	)
	if err != nil {
		return err
	}

	selector := protocol.FixedLeaf(a.Reveal.LeafIndex)
	if a.Reveal.Random {
		selector = protocol.RandomLeaf()
	}
	opts := []syncloop.Option{
		syncloop.WithInterval(a.Interval()),
		syncloop.WithMaxRounds(a.MaxRounds),
		syncloop.WithRetryPolicy(syncloop.RetryPolicy{
			MaxAttempts: a.Retry.MaxAttempts,
			BaseBackoff: a.Retry.BaseBackoff(),
			MaxBackoff:  a.Retry.MaxBackoff(),
		}),
		syncloop.WithBreaker(syncloop.NewBreaker(syncloop.BreakerConfig{
			FailureThreshold: a.Breaker.FailureThreshold,
			Cooldown:         a.Breaker.Cooldown(),
			MaxTrips:         a.Breaker.MaxTrips,
		}, nil)),
		syncloop.WithProverOptions(
			protocol.WithRegionFilter(filter),
			protocol.WithChunkSize(a.ChunkSize),
			protocol.WithCommitBatch(a.CommitBatch),
			protocol.WithRevealOffsets(a.Reveal.Offsets...),
			protocol.WithLeafSelector(selector),
		),
		syncloop.WithAlertDispatcher(alerting.FromConfig(cfg.Alerting.WebhookURL, cfg.Alerting.WebhookTimeout())),
		syncloop.WithLogger(logger.Named("syncloop")),
	}
	if a.ProcessName != "" {
		opts = append(opts, syncloop.WithProcessName(a.ProcRoot, a.ProcessName))
	}
	if a.AwaitVerdict {
		opts = append(opts, syncloop.WithVerdictWaiter(client))
	}
	loop := syncloop.NewLoop(dumper, client, opts...)

	logger.L().Info("同步循环启动",
		"pid", pid,
		"filter", filter.String(),
		"endpoint", client.Endpoint(),
		"chunk_size", a.ChunkSize,
	)

	if a.MetricsAddress == "" {
		return ignoreCanceled(loop.Run(c.Context))
	}
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		return ignoreCanceled(loop.Run(groupCtx))
	})
	group.Go(func() error {
		return ignoreCanceled(metrics.StartServer(groupCtx, a.MetricsAddress))
	})
	return group.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runProfile(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	p := cfg.Agent.Profile
	if c.IsSet("samples") {
		p.Samples = c.Int("samples")
	}
	if c.IsSet("interval") {
		p.IntervalMillis = int(c.Duration("interval").Milliseconds())
	}
	if c.IsSet("out") {
		p.OutputDir = c.String("out")
	}

	pid, filter, err := resolveTarget(cfg.Agent)
	if err != nil {
		return err
	}
	dumper := memory.NewDumper(cfg.Agent.ProcRoot, pid)
	defer dumper.Close()

	result, err := profiler.Profile(c.Context, dumper, profiler.Config{
		Samples:   p.Samples,
		Interval:  p.Interval(),
		ChunkSize: cfg.Agent.ChunkSize,
		Filter:    filter,
	})
	if err != nil {
		return err
	}
	dir := p.OutputDir
	if dir == "" {
		dir = "."
	}
	path, err := profiler.WriteBaseline(dir, pid, result.Reduce())
	if err != nil {
		return err
	}
	logger.Audit().Info("静态基线已写出",
		"pid", pid,
		"path", path,
		"slots", len(result.Initial),
		"static", result.StaticCount(),
		"samples", result.Samples,
	)
	fmt.Fprintf(c.App.Writer, "%s (%d/%d static)\n", path, result.StaticCount(), len(result.Initial))
	return nil
}

func runRegions(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	pid, filter, err := resolveTarget(cfg.Agent)
	if err != nil {
		return err
	}
	regions, err := memory.NewCatalog(cfg.Agent.ProcRoot).ScanFiltered(pid, filter)
	if err != nil {
		return err
	}

	writeRegionTable(c.App.Writer, regions, filter)
	return nil
}

// writeRegionTable 以表格列出区域，表尾汇总区域数、总字节数与过滤策略。
func writeRegionTable(w io.Writer, regions []memory.MemoryRegion, filter memory.RegionFilter) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Start", "End", "Perms", "Size", "Path"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	var total uint64
	for _, r := range regions {
		table.Append([]string{
			fmt.Sprintf("%#x", r.Start),
			fmt.Sprintf("%#x", r.End),
			r.Perms.String(),
			strconv.FormatUint(r.Size(), 10),
			r.Pathname,
		})
		total += r.Size()
	}
	table.SetFooter([]string{"", "", strconv.Itoa(len(regions)), strconv.FormatUint(total, 10), filter.String()})
	table.Render()
}

func runInfo(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	pid, _, err := resolveTarget(cfg.Agent)
	if err != nil {
		return err
	}
	info, err := memory.LookupProcess(cfg.Agent.ProcRoot, pid)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}
