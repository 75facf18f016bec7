package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// main 是采集端命令行的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatalf("fairfy-agent 运行失败: %v", err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "fairfy-agent",
		Usage: "对目标进程的内存做承诺与揭示，或离线生成静态基线",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML 配置文件路径",
				EnvVars: []string{"FAIRFY_CONFIG"},
			},
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "按 comm 名称定位目标进程"},
			&cli.IntFlag{Name: "pid", Aliases: []string{"p"}, Usage: "目标进程号"},
			&cli.StringFlag{Name: "filter", Usage: "区域过滤策略，如 interesting、heap_stack、all"},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "按固定间隔执行承诺/揭示轮次",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "endpoint", Usage: "verifier 地址"},
					&cli.IntFlag{Name: "rounds", Usage: "执行的轮数，0 表示不限"},
					&cli.BoolFlag{Name: "await", Usage: "每轮等待 verifier 的判定"},
				},
				Action: runLoop,
			},
			{
				Name:  "profile",
				Usage: "采样若干次快照，写出静态基线文件",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "samples", Usage: "初始快照之后的采样次数"},
					&cli.DurationFlag{Name: "interval", Usage: "采样间隔"},
					&cli.StringFlag{Name: "out", Usage: "基线输出目录"},
				},
				Action: runProfile,
			},
			{
				Name:   "regions",
				Usage:  "列出目标进程满足过滤策略的内存区域",
				Action: runRegions,
			},
			{
				Name:   "info",
				Usage:  "打印目标进程的基本信息",
				Action: runInfo,
			},
		},
	}
}
