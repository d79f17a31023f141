package main

import "arenasync/cmd"

// arenasync 入口：serve / play / replay
func main() {
	cmd.Execute()
}
