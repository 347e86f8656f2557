package main

import "disputable-values-monitor/internal/cli"

func main() {
	cli.Execute()
}
