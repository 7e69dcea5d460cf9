package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"yqhp/topology-engine/api/rest/client"
	"yqhp/topology-engine/internal/agent"
	"yqhp/topology-engine/internal/config"
	"yqhp/topology-engine/internal/prober"
	"yqhp/topology-engine/pkg/logger"
)

var (
	// agent start 命令的 flags
	agentNodeID         string
	agentCoordinatorURL string
	agentListen         string
	agentAdvertise      string
	agentComputeClass   string
	agentCapability     float64
	agentMemoryBytes    int64
	agentLabels         string
	agentNoProbe        bool
)

// agentCmd 是 agent 子命令
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "管理节点 Agent",
	Long:  `Agent 运行在每个推理节点上，负责注册、心跳、画像上报和节点间探测。`,
}

// agentStartCmd 是 agent start 子命令
var agentStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动节点 Agent",
	Long: `启动节点 Agent 并加入集群。

Agent 负责：
  - 向 Coordinator 注册节点并定期发送心跳
  - 定期上报节点画像（算力、内存、负载）
  - 探测到其他节点的延迟和带宽
  - 被移除后以新 ID 重新加入，退出时主动离开集群`,
	Example: `  # 连接本地 Coordinator
  topology-engine agent start --node-id gpu-1 --advertise 10.0.0.1:9000

  # 指定 Coordinator 地址和节点画像
  topology-engine agent start --coordinator http://10.0.0.10:8080 \
    --node-id gpu-1 --advertise 10.0.0.1:9000 \
    --capability 2 --memory-bytes 85899345920 --labels zone=a,gpu=a100`,
	RunE: runAgentStart,
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentStartCmd)

	agentStartCmd.Flags().StringVar(&agentNodeID, "node-id", "", "节点 ID，为空时由 Coordinator 分配")
	agentStartCmd.Flags().StringVar(&agentCoordinatorURL, "coordinator", "http://localhost:8080", "Coordinator 地址")
	agentStartCmd.Flags().StringVar(&agentListen, "listen", ":9000", "探测载荷服务监听地址")
	agentStartCmd.Flags().StringVar(&agentAdvertise, "advertise", "", "对其他节点公布的地址 host:port")
	agentStartCmd.Flags().StringVar(&agentComputeClass, "compute-class", "", "算力类别，例如 a100")
	agentStartCmd.Flags().Float64Var(&agentCapability, "capability", 1, "相对算力")
	agentStartCmd.Flags().Int64Var(&agentMemoryBytes, "memory-bytes", 0, "可用内存（字节）")
	agentStartCmd.Flags().StringVar(&agentLabels, "labels", "", "节点标签 key=value,key=value")
	agentStartCmd.Flags().BoolVar(&agentNoProbe, "no-probe", false, "禁用节点间探测")
}

func runAgentStart(cmd *cobra.Command, args []string) error {
	overrides := changedFlags(cmd, map[string]string{
		"node-id":       "agent.node_id",
		"coordinator":   "agent.coordinator_url",
		"listen":        "agent.listen_address",
		"advertise":     "agent.advertise_address",
		"compute-class": "agent.compute_class",
		"capability":    "agent.capability",
		"memory-bytes":  "agent.memory_bytes",
		"labels":        "agent.labels",
	})
	if agentNoProbe {
		overrides["probe.enabled"] = "false"
	}

	cfg, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	if err := config.NewValidator().ValidateAgent(cfg); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	logger.Init(cfg.LoggerConfig())
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 处理关闭信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			fmt.Println("\n正在离开集群...")
			cancel()
		case <-ctx.Done():
		}
	}()

	c := client.NewClient(cfg.ClientConfig())
	defer c.Close()

	a := agent.New(cfg.AgentConfig(), c,
		agent.WithMeters(cfg.LatencyMeter(), prober.NewHTTPBandwidthMeter(cfg.Probe.PayloadBytes, cfg.Probe.BandwidthTimeout)),
	)

	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
		fmt.Printf("  正在启动 Agent...\n")
		fmt.Printf("  Coordinator: %s\n", cfg.Agent.CoordinatorURL)
		fmt.Printf("  节点 ID: %s\n", displayID(cfg.Agent.NodeID))
		fmt.Printf("  公布地址: %s\n", cfg.Agent.AdvertiseAddr)
		fmt.Printf("  节点探测: %v\n", cfg.Probe.Enabled)
		fmt.Println()
	}

	start := time.Now()
	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("Agent 异常退出: %w", err)
	}

	if !quiet {
		fmt.Printf("Agent 已停止，运行时长 %s。\n", time.Since(start).Round(time.Second))
	}
	return nil
}

func displayID(id string) string {
	if id == "" {
		return "(由 Coordinator 分配)"
	}
	return id
}
