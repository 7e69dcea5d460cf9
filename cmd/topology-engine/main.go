// Package main provides the entry point for the topology-engine CLI.
package main

import "yqhp/topology-engine/cmd"

func main() {
	cmd.Execute()
}
