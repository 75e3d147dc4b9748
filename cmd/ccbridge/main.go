package main

import "github.com/lunarfang/ccbridge/internal/cli"

func main() {
	cli.Execute()
}
