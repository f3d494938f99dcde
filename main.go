package main

import "github.com/iwismer/rusty-timer-sub001/cmd"

func main() {
	cmd.Execute()
}
