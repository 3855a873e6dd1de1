package main

import "github.com/kuzerno1/multi-codex-proxy/cmd"

func main() {
	cmd.Execute()
}
