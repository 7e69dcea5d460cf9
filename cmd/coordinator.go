package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/topology-engine/api/rest"
	"yqhp/topology-engine/api/rest/client"
	"yqhp/topology-engine/internal/config"
	"yqhp/topology-engine/internal/export"
	"yqhp/topology-engine/internal/master"
	"yqhp/topology-engine/internal/store"
	"yqhp/topology-engine/pkg/logger"
)

var (
	// coordinator start 命令的 flags
	coordinatorAddress        string
	coordinatorID             string
	coordinatorFailureTimeout time.Duration
	coordinatorExport         bool
	coordinatorJournal        bool

	// coordinator status 命令的 flags
	coordinatorURL string
)

// coordinatorCmd 是 coordinator 子命令
var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "管理 Coordinator 节点",
	Long:  `Coordinator 节点持有集群状态：节点注册表、连接画像、拓扑图和成员状态。`,
}

// coordinatorStartCmd 是 coordinator start 子命令
var coordinatorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Coordinator 节点",
	Long: `启动 Coordinator 节点，开始接受节点注册、心跳和探测上报。

Coordinator 负责：
  - 管理节点注册、心跳和故障检测
  - 聚合节点间的延迟与带宽画像
  - 计算最优路径和模型分片路由
  - 提供 REST API 和诊断导出`,
	Example: `  # 使用默认配置启动
  topology-engine coordinator start

  # 指定监听地址
  topology-engine coordinator start --address :9090

  # 启用 Redis 导出和成员变更日志
  topology-engine coordinator start --export --journal --config config.yaml`,
	RunE: runCoordinatorStart,
}

// coordinatorStatusCmd 是 coordinator status 子命令
var coordinatorStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看 Coordinator 状态",
	Long:  `查看 Coordinator 的运行状态、节点数量和成员状态分布。`,
	Example: `  topology-engine coordinator status
  topology-engine coordinator status --url http://localhost:9090`,
	RunE: runCoordinatorStatus,
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
	coordinatorCmd.AddCommand(coordinatorStartCmd)
	coordinatorCmd.AddCommand(coordinatorStatusCmd)

	// coordinator start flags
	coordinatorStartCmd.Flags().StringVar(&coordinatorAddress, "address", ":8080", "HTTP 服务地址")
	coordinatorStartCmd.Flags().StringVar(&coordinatorID, "id", "", "Coordinator ID，为空时自动生成")
	coordinatorStartCmd.Flags().DurationVar(&coordinatorFailureTimeout, "failure-timeout", 30*time.Second, "节点故障判定超时")
	coordinatorStartCmd.Flags().BoolVar(&coordinatorExport, "export", false, "启用 Redis 快照导出")
	coordinatorStartCmd.Flags().BoolVar(&coordinatorJournal, "journal", false, "启用成员变更日志（数据库）")

	// coordinator status flags
	coordinatorStatusCmd.Flags().StringVar(&coordinatorURL, "url", "http://localhost:8080", "Coordinator 地址")
}

func runCoordinatorStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(changedFlags(cmd, map[string]string{
		"address":         "server.address",
		"id":              "server.coordinator_id",
		"failure-timeout": "health.failure_timeout",
		"export":          "export.enabled",
		"journal":         "store.enabled",
	}))
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	coordID := cfg.EnsureCoordinatorID()

	logger.Init(cfg.LoggerConfig())
	defer logger.Sync()
	log := logger.Named("cmd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 处理关闭信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			fmt.Println("\n正在关闭 Coordinator...")
			cancel()
		case <-ctx.Done():
		}
	}()

	var opts []master.Option
	if cfg.Store.Enabled {
		db, err := store.Open(cfg.JournalConfig())
		if err != nil {
			return fmt.Errorf("打开成员变更日志失败: %w", err)
		}
		journal := store.NewGormJournal(db, coordID)
		defer journal.Close()
		opts = append(opts, master.WithJournal(journal))
	}

	coord := master.New(cfg.CoordinatorConfig(), opts...)

	// 打印启动信息
	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
		fmt.Printf("  正在启动 Coordinator...\n")
		fmt.Printf("  Coordinator ID: %s\n", coord.ID())
		fmt.Printf("  HTTP 地址: %s\n", cfg.Server.Address)
		fmt.Printf("  故障超时: %s\n", cfg.Health.FailureTimeout)
		fmt.Printf("  Redis 导出: %v\n", cfg.Export.Enabled)
		fmt.Printf("  成员变更日志: %v\n", cfg.Store.Enabled)
		fmt.Println()
	}

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("启动 Coordinator 失败: %w", err)
	}

	if cfg.Export.Enabled {
		publisher, err := export.NewRedisPublisher(ctx, cfg.RedisConfig())
		if err != nil {
			_ = coord.Stop(context.Background())
			return fmt.Errorf("连接 Redis 失败: %w", err)
		}
		exporter := export.New(cfg.ExporterConfig(), coord, publisher)
		if err := exporter.Start(); err != nil {
			_ = publisher.Close()
			_ = coord.Stop(context.Background())
			return fmt.Errorf("启动导出失败: %w", err)
		}
		defer exporter.Stop()
	}

	srv := rest.NewServer(coord, cfg.RESTConfig())
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	if !quiet {
		fmt.Println("Coordinator 启动成功。按 Ctrl+C 停止。")
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			runErr = fmt.Errorf("HTTP 服务异常退出: %w", err)
		}
	}

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Warn("HTTP 服务关闭失败", zap.Error(err))
	}
	if err := coord.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("停止 Coordinator 失败: %w", err)
	}

	if !quiet {
		fmt.Println("Coordinator 已停止。")
	}
	return runErr
}

func runCoordinatorStatus(cmd *cobra.Command, args []string) error {
	c := client.NewClient(&client.Config{CoordinatorURL: coordinatorURL, RequestTimeout: 5 * time.Second})
	defer c.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	fmt.Printf("正在检查 Coordinator 状态: %s...\n", coordinatorURL)
	fmt.Println()

	stats, err := c.Stats(ctx)
	if err != nil {
		fmt.Println("Coordinator 状态:")
		fmt.Println("  状态: 未知 (未连接)")
		fmt.Println()
		fmt.Println("提示: 请确保 Coordinator 正在运行且可访问。")
		fmt.Printf("      尝试: curl %s/api/v1/health\n", coordinatorURL)
		return err
	}

	fmt.Println("Coordinator 状态:")
	fmt.Printf("  ID: %s\n", stats.CoordinatorID)
	fmt.Printf("  状态: %s\n", stats.State)
	fmt.Printf("  节点数: %d\n", stats.Nodes)
	states := make([]string, 0, len(stats.Members))
	for state := range stats.Members {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Printf("  %s: %d\n", state, stats.Members[state])
	}
	fmt.Printf("  连接: %d (新鲜 %d, 过期 %d)\n", stats.Profiler.Edges, stats.Profiler.FreshEdges, stats.Profiler.StaleEdges)
	fmt.Printf("  延迟 p50/p95/p99: %.2f/%.2f/%.2f ms\n", stats.Profiler.LatencyP50MS, stats.Profiler.LatencyP95MS, stats.Profiler.LatencyP99MS)
	return nil
}
