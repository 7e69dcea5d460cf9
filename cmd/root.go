// Package cmd 提供 topology-engine CLI 的命令实现
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"yqhp/topology-engine/internal/config"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
     o---o      |‾‾| Topology Engine %s
    / \ / \     |  |
   o---o---o    |  |
    \ / \ /     |  |
     o---o      |__|
`
)

var (
	// 全局配置
	cfgFile string
	debug   bool
	quiet   bool
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "topology-engine",
	Short: "分布式推理集群拓扑与路由引擎",
	Long: `topology-engine 维护分布式推理集群的节点注册、连接画像和成员状态，
并基于实时拓扑为模型分片计算流水线路由。`,
	Version:      Version,
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// 全局 flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 自定义版本模板
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig 按 默认值 < 文件 < 环境变量 < 命令行 的顺序加载配置
func loadConfig(overrides map[string]string) (*config.Config, error) {
	loader := config.NewLoader().WithCmdArgs(overrides)
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// changedFlags 收集用户显式设置的 flag，映射为配置路径
func changedFlags(cmd *cobra.Command, paths map[string]string) map[string]string {
	out := make(map[string]string)
	for flag, path := range paths {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			out[path] = f.Value.String()
		}
	}
	return out
}
