package main

import "github.com/huanfeng/sourcehub/cmd"

func main() {
	cmd.Execute()
}
